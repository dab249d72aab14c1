package terminal

import (
	"sync"

	"github.com/smallnest/ringbuffer"
)

// scrollback keeps the most recent output bytes of a session. The oldest
// bytes are dropped when it is full.
type scrollback struct {
	mu  sync.Mutex
	buf *ringbuffer.RingBuffer
}

func newScrollback(size int) *scrollback {
	if size <= 0 {
		return nil
	}
	return &scrollback{buf: ringbuffer.New(size)}
}

func (s *scrollback) Write(p []byte) {
	if s == nil || len(p) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.buf.Capacity(); len(p) > c {
		p = p[len(p)-c:]
	}
	if free := s.buf.Free(); free < len(p) {
		s.discard(len(p) - free)
	}
	s.buf.Write(p)
}

// Bytes returns a copy of the buffered output, oldest first.
func (s *scrollback) Bytes() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, s.buf.Length())
	n, _ := s.buf.TryRead(out)
	out = out[:n]
	s.buf.Write(out)
	return out
}

func (s *scrollback) discard(n int) {
	tmp := make([]byte, n)
	s.buf.TryRead(tmp)
}
