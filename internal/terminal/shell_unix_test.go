//go:build !windows

package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultShellFromEnvironment(t *testing.T) {
	t.Setenv("SHELL", "/usr/bin/zsh")
	assert.Equal(t, "/usr/bin/zsh", DefaultShell())

	t.Setenv("SHELL", "")
	assert.Equal(t, "/bin/sh", DefaultShell())
}
