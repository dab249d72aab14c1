//go:build !windows

package terminal

import "os"

const fallbackShell = "/bin/sh"

// DefaultShell returns the user's interactive shell from $SHELL, or
// /bin/sh when it is unset.
func DefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return fallbackShell
}
