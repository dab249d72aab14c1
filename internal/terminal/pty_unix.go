//go:build !windows

package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// NativeSystem returns the PTY system of the host OS.
func NativeSystem() System {
	return unixSystem{}
}

type unixSystem struct{}

func (unixSystem) Open(size Size) (Pair, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return Pair{}, err
	}

	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: size.Cols, Rows: size.Rows}); err != nil {
		ptmx.Close()
		tty.Close()
		return Pair{}, fmt.Errorf("set initial size: %w", err)
	}

	return Pair{
		Master:      &unixMaster{ptmx: ptmx},
		Subordinate: &unixSubordinate{tty: tty},
	}, nil
}

type unixMaster struct {
	ptmx *os.File

	mu     sync.Mutex
	taken  bool
	closed bool
}

func (m *unixMaster) Resize(size Size) error {
	return pty.Setsize(m.ptmx, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
}

func (m *unixMaster) TakeWriter() (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taken {
		return nil, errors.New("writer already taken")
	}
	f, err := dupFile(m.ptmx)
	if err != nil {
		return nil, err
	}
	m.taken = true
	return f, nil
}

func (m *unixMaster) CloneReader() (io.ReadCloser, error) {
	return dupFile(m.ptmx)
}

func (m *unixMaster) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.ptmx.Close()
}

// dupFile duplicates f into a pollable file, so a pending Read on the copy
// returns as soon as the copy is closed.
func dupFile(f *os.File) (*os.File, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}

	var fd int
	var dupErr error
	if err := rc.Control(func(s uintptr) {
		fd, dupErr = unix.Dup(int(s))
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, fmt.Errorf("dup %s: %w", f.Name(), dupErr)
	}

	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

type unixSubordinate struct {
	tty  *os.File
	once sync.Once
	err  error
}

func (s *unixSubordinate) Spawn(c Command) (Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdin = s.tty
	cmd.Stdout = s.tty
	cmd.Stderr = s.tty
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func (s *unixSubordinate) Close() error {
	s.once.Do(func() {
		s.err = s.tty.Close()
	})
	return s.err
}
