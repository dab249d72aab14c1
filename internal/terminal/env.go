package terminal

import "strings"

// TermType is exported to every child so TUI programs enable 256 colors.
const TermType = "xterm-256color"

// nestedSessionVars make CLI tools believe they run inside another instance
// of the host and refuse to start.
var nestedSessionVars = []string{"CLAUDECODE", "CLAUDE_CODE"}

// childEnv derives the child environment from base: TERM is replaced and
// nested-session markers are dropped.
func childEnv(base []string) []string {
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if key == "TERM" || isNestedSessionVar(key) {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "TERM="+TermType)
}

func isNestedSessionVar(key string) bool {
	for _, v := range nestedSessionVars {
		if key == v {
			return true
		}
	}
	return false
}
