//go:build windows

package terminal

import "os/exec"

const fallbackShell = "powershell.exe"

// DefaultShell prefers PowerShell 7+ (pwsh.exe) when it is on PATH and falls
// back to Windows PowerShell.
func DefaultShell() string {
	if _, err := exec.LookPath("pwsh.exe"); err == nil {
		return "pwsh.exe"
	}
	return fallbackShell
}
