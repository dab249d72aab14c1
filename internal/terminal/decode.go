package terminal

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// textDecoder turns raw PTY bytes into valid UTF-8. Invalid sequences become
// U+FFFD; a multi-byte sequence split across reads is held back until the
// rest arrives.
type textDecoder struct {
	t     transform.Transformer
	carry []byte
	dst   []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{t: unicode.UTF8.NewDecoder()}
}

func (d *textDecoder) decode(p []byte, atEOF bool) string {
	src := p
	if len(d.carry) > 0 {
		src = append(d.carry, p...)
		d.carry = nil
	}

	// Each invalid byte expands to a 3-byte replacement.
	if need := 3*len(src) + utf8.UTFMax; cap(d.dst) < need {
		d.dst = make([]byte, need)
	}
	dst := d.dst[:cap(d.dst)]

	var out []byte
	for {
		nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]

		switch err {
		case transform.ErrShortDst:
			continue
		case transform.ErrShortSrc:
			d.carry = append([]byte(nil), src...)
		}
		return string(out)
	}
}

// flush returns whatever is still held back, with invalid bytes replaced.
func (d *textDecoder) flush() string {
	if len(d.carry) == 0 {
		return ""
	}
	return d.decode(nil, true)
}

// trimPartialRune drops the continuation bytes left at the start of p when a
// multi-byte character was cut in two.
func trimPartialRune(p []byte) []byte {
	for i := 0; i < utf8.UTFMax-1 && len(p) > 0 && !utf8.RuneStart(p[0]); i++ {
		p = p[1:]
	}
	return p
}
