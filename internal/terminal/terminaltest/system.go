// Package terminaltest provides an in-memory terminal.System for tests.
package terminaltest

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/nebula/ptyhost/internal/terminal"
)

// System is a fake PTY system. Set the error fields before use to make the
// matching step fail.
type System struct {
	OpenErr   error
	SpawnErr  error
	WriterErr error
	ReaderErr error
	ResizeErr error
	WriteErr  error
	FlushErr  error

	// Echo copies every input byte back to the output, like a terminal in
	// cooked mode.
	Echo bool
	// ChunkSize caps the bytes accepted by one Write call when positive.
	ChunkSize int

	mu   sync.Mutex
	ptys []*Pty
}

// NewSystem returns a System that echoes input.
func NewSystem() *System {
	return &System{Echo: true}
}

// Open implements terminal.System.
func (s *System) Open(size terminal.Size) (terminal.Pair, error) {
	if s.OpenErr != nil {
		return terminal.Pair{}, s.OpenErr
	}

	pr, pw := io.Pipe()
	p := &Pty{
		sys:    s,
		size:   size,
		pid:    1000,
		outR:   pr,
		outW:   pw,
		exitCh: make(chan struct{}),
	}

	s.mu.Lock()
	p.pid += len(s.ptys)
	s.ptys = append(s.ptys, p)
	s.mu.Unlock()

	return terminal.Pair{Master: (*master)(p), Subordinate: (*subordinate)(p)}, nil
}

// Ptys returns every PTY opened so far.
func (s *System) Ptys() []*Pty {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Pty(nil), s.ptys...)
}

// Last returns the most recently opened PTY, or nil.
func (s *System) Last() *Pty {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ptys) == 0 {
		return nil
	}
	return s.ptys[len(s.ptys)-1]
}

// Pty is one fake terminal and the child attached to it.
type Pty struct {
	sys *System
	pid int

	outR *io.PipeReader
	outW *io.PipeWriter

	mu           sync.Mutex
	size         terminal.Size
	cmd          terminal.Command
	input        bytes.Buffer
	writerTaken  bool
	masterClosed bool
	subClosed    bool
	exited       bool
	exitCode     int
	exitCh       chan struct{}
}

// Emit writes data as if the child printed it. It blocks until the relay
// has read it.
func (p *Pty) Emit(data string) error {
	_, err := p.outW.Write([]byte(data))
	return err
}

// Exit ends the child with code and closes its output.
func (p *Pty) Exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitLocked(code)
}

func (p *Pty) exitLocked(code int) {
	if p.exited {
		return
	}
	p.exited = true
	p.exitCode = code
	p.outW.Close()
	close(p.exitCh)
}

// Size returns the current terminal size.
func (p *Pty) Size() terminal.Size {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Command returns the command the child was started with.
func (p *Pty) Command() terminal.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd
}

// Input returns every byte written to the child.
func (p *Pty) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// MasterClosed reports whether the master side was closed.
func (p *Pty) MasterClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.masterClosed
}

// SubordinateClosed reports whether the subordinate side was released.
func (p *Pty) SubordinateClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subClosed
}

// PID returns the fake child pid.
func (p *Pty) PID() int { return p.pid }

type master Pty

func (m *master) Resize(size terminal.Size) error {
	p := (*Pty)(m)
	if p.sys.ResizeErr != nil {
		return p.sys.ResizeErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size = size
	return nil
}

func (m *master) TakeWriter() (io.WriteCloser, error) {
	p := (*Pty)(m)
	if p.sys.WriterErr != nil {
		return nil, p.sys.WriterErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writerTaken {
		return nil, errors.New("writer already taken")
	}
	p.writerTaken = true
	return &writer{p: p}, nil
}

func (m *master) CloneReader() (io.ReadCloser, error) {
	p := (*Pty)(m)
	if p.sys.ReaderErr != nil {
		return nil, p.sys.ReaderErr
	}
	return p.outR, nil
}

// Close hangs up the terminal, which ends a child that is still running.
func (m *master) Close() error {
	p := (*Pty)(m)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.masterClosed = true
	p.exitLocked(129)
	return nil
}

type subordinate Pty

func (s *subordinate) Spawn(cmd terminal.Command) (terminal.Process, error) {
	p := (*Pty)(s)
	if p.sys.SpawnErr != nil {
		return nil, p.sys.SpawnErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmd = cmd
	return (*process)(p), nil
}

func (s *subordinate) Close() error {
	p := (*Pty)(s)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subClosed = true
	return nil
}

type process Pty

func (c *process) Pid() int { return c.pid }

func (c *process) Wait() (int, error) {
	p := (*Pty)(c)
	<-p.exitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

type writer struct {
	p      *Pty
	closed atomic.Bool
}

func (w *writer) Write(data []byte) (int, error) {
	if w.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	if err := w.p.sys.WriteErr; err != nil {
		return 0, err
	}

	n := len(data)
	if c := w.p.sys.ChunkSize; c > 0 && n > c {
		n = c
	}

	w.p.mu.Lock()
	w.p.input.Write(data[:n])
	w.p.mu.Unlock()

	if w.p.sys.Echo {
		if _, err := w.p.outW.Write(data[:n]); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (w *writer) Flush() error {
	return w.p.sys.FlushErr
}

func (w *writer) Close() error {
	w.closed.Store(true)
	return nil
}

// Recorder is a terminal.Sink that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Event is one recorded emission.
type Event struct {
	Name    string
	Payload interface{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit implements terminal.Sink.
func (r *Recorder) Emit(event string, payload interface{}) {
	r.mu.Lock()
	r.events = append(r.events, Event{Name: event, Payload: payload})
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Output concatenates the output data recorded for id.
func (r *Recorder) Output(id uint32) string {
	var b bytes.Buffer
	for _, e := range r.Events() {
		if o, ok := e.Payload.(terminal.Output); ok && e.Name == terminal.EventOutput && o.SessionID == id {
			b.WriteString(o.Data)
		}
	}
	return b.String()
}

// Exits returns the exit events recorded for id.
func (r *Recorder) Exits(id uint32) []terminal.Exit {
	var exits []terminal.Exit
	for _, e := range r.Events() {
		if x, ok := e.Payload.(terminal.Exit); ok && e.Name == terminal.EventExit && x.SessionID == id {
			exits = append(exits, x)
		}
	}
	return exits
}
