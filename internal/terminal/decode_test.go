package terminal

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTextDecoder(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
		want   []string
	}{
		{
			name:   "ascii passes through",
			chunks: [][]byte{[]byte("$ ls\r\n")},
			want:   []string{"$ ls\r\n"},
		},
		{
			name:   "split rune is held until complete",
			chunks: [][]byte{{'a', 0xE2, 0x82}, {0xAC, 'b'}},
			want:   []string{"a", "€b"},
		},
		{
			name:   "rune split three ways",
			chunks: [][]byte{{0xF0}, {0x9F, 0x98}, {0x80}},
			want:   []string{"", "", "😀"},
		},
		{
			name:   "invalid byte becomes replacement",
			chunks: [][]byte{{'x', 0xFF, 'y'}},
			want:   []string{"x�y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTextDecoder()
			for i, chunk := range tt.chunks {
				assert.Equal(t, tt.want[i], d.decode(chunk, false), "chunk %d", i)
			}
			assert.Empty(t, d.flush())
		})
	}
}

func TestTextDecoderFlushIncompleteTail(t *testing.T) {
	d := newTextDecoder()

	assert.Equal(t, "ok", d.decode([]byte{'o', 'k', 0xE2, 0x82}, false))

	tail := d.flush()
	assert.True(t, utf8.ValidString(tail))
	assert.Contains(t, tail, "\uFFFD")
	assert.Empty(t, d.flush())
}

func TestTextDecoderLargeInvalidInput(t *testing.T) {
	src := make([]byte, 10000)
	for i := range src {
		src[i] = 0x80
	}

	out := newTextDecoder().decode(src, true)
	assert.True(t, utf8.ValidString(out))
	assert.NotEmpty(t, out)
}

func TestTrimPartialRune(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"ascii", "abc", "abc"},
		{"whole rune", "é!", "é!"},
		{"cut two-byte rune", "\xa9llo", "llo"},
		{"cut four-byte rune", "\x9f\x98\x80ok", "ok"},
		{"only continuation bytes", "\x80\x80\x80\x80", "\x80"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(trimPartialRune([]byte(tt.in))))
		})
	}
}
