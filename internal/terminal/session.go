package terminal

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID        uint32    `json:"session_id"`
	Shell     string    `json:"shell"`
	Dir       string    `json:"cwd,omitempty"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Exited    bool      `json:"exited"`
	ExitCode  int       `json:"exit_code,omitempty"`
}

// Session owns the OS handles of one PTY-backed shell. The master, the input
// writer and the relay's reader clone are closed together by close.
type Session struct {
	id        uint32
	shell     string
	dir       string
	startedAt time.Time

	mu     sync.Mutex // guards size and master
	size   Size
	master Master

	wmu    sync.Mutex // serializes writes
	writer io.WriteCloser

	reader io.ReadCloser
	proc   Process
	scroll *scrollback

	cancel  context.CancelFunc
	stopped atomic.Bool
	closed  atomic.Bool

	exited   atomic.Bool
	exitCode atomic.Int32
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()

	info := SessionInfo{
		ID:        s.id,
		Shell:     s.shell,
		Dir:       s.dir,
		Cols:      size.Cols,
		Rows:      size.Rows,
		PID:       s.proc.Pid(),
		StartedAt: s.startedAt,
		Exited:    s.exited.Load(),
	}
	if info.Exited {
		info.ExitCode = int(s.exitCode.Load())
	}
	return info
}

// write delivers all of data to the child before returning.
func (s *Session) write(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.closed.Load() {
		return opError("write", s.id, ErrSessionNotFound, nil)
	}

	if err := writeFull(s.writer, data); err != nil {
		if s.closed.Load() {
			return opError("write", s.id, ErrSessionNotFound, nil)
		}
		return opError("write", s.id, ErrWrite, err)
	}

	if f, ok := s.writer.(flusher); ok {
		if err := f.Flush(); err != nil {
			return opError("write", s.id, ErrFlush, err)
		}
	}
	return nil
}

func writeFull(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}

func (s *Session) resize(size Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return opError("resize", s.id, ErrSessionNotFound, nil)
	}
	if err := s.master.Resize(size); err != nil {
		return opError("resize", s.id, ErrResize, err)
	}
	s.size = size
	return nil
}

// stop tells the relay to exit at its next check.
func (s *Session) stop() {
	s.stopped.Store(true)
	s.cancel()
}

// close releases every handle. It does not signal the child; closing the
// master hangs up the terminal.
func (s *Session) close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = multierr.Combine(
			s.writer.Close(),
			s.master.Close(),
			s.reader.Close(),
		)
	})
	return s.closeErr
}

// reap waits for the child so it does not linger as a zombie.
func (s *Session) reap() {
	code, _ := s.proc.Wait()
	s.exitCode.Store(int32(code))
	close(s.done)
}
