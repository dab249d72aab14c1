//go:build windows

package terminal

import (
	"errors"
	"io"
	"os/exec"
	"sync"
)

// NativeSystem returns the PTY system of the host OS. Windows sessions run
// over plain pipes and cannot be resized.
func NativeSystem() System {
	return pipeSystem{}
}

type pipeSystem struct{}

func (pipeSystem) Open(size Size) (Pair, error) {
	m := &pipeMaster{}
	return Pair{Master: m, Subordinate: &pipeSubordinate{master: m}}, nil
}

type pipeMaster struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	stdout io.ReadCloser
	taken  bool
}

func (m *pipeMaster) Resize(size Size) error {
	return nil
}

func (m *pipeMaster) TakeWriter() (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stdin == nil {
		return nil, errors.New("no child attached")
	}
	if m.taken {
		return nil, errors.New("writer already taken")
	}
	m.taken = true
	return m.stdin, nil
}

func (m *pipeMaster) CloneReader() (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stdout == nil {
		return nil, errors.New("no child attached")
	}
	return m.stdout, nil
}

func (m *pipeMaster) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stdin != nil {
		m.stdin.Close()
	}
	if m.stdout != nil {
		return m.stdout.Close()
	}
	return nil
}

type pipeSubordinate struct {
	master *pipeMaster
}

func (s *pipeSubordinate) Spawn(c Command) (Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}

	// Redirect stderr to stdout
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}

	s.master.mu.Lock()
	s.master.stdin = stdin
	s.master.stdout = stdout
	s.master.mu.Unlock()

	return &execProcess{cmd: cmd}, nil
}

func (s *pipeSubordinate) Close() error {
	return nil
}
