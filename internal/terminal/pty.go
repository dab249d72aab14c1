package terminal

import (
	"io"
	"os/exec"
)

// Size is a terminal size in character cells.
type Size struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Command describes the child process started on a PTY.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// System allocates pseudo-terminals.
type System interface {
	Open(size Size) (Pair, error)
}

// Pair is a freshly opened PTY. The subordinate side is handed to exactly
// one child and then released; the master stays with the session.
type Pair struct {
	Master      Master
	Subordinate Subordinate
}

// Master is the controlling side of a PTY.
type Master interface {
	Resize(size Size) error
	// TakeWriter returns the input path to the child. It can be taken once.
	TakeWriter() (io.WriteCloser, error)
	// CloneReader returns an independently closable reader of the child's
	// output.
	CloneReader() (io.ReadCloser, error)
	Close() error
}

// Subordinate is the side of a PTY the child is attached to.
type Subordinate interface {
	Spawn(cmd Command) (Process, error)
	Close() error
}

// Process is a started child.
type Process interface {
	Pid() int
	// Wait blocks until the child exits and returns its exit code.
	Wait() (int, error)
}

// flusher is implemented by input writers that buffer.
type flusher interface {
	Flush() error
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState == nil {
		return -1, err
	}
	return p.cmd.ProcessState.ExitCode(), err
}
