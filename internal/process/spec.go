package process

import (
	"io"
	"os/exec"
	"strings"

	"github.com/loykin/qmaster/internal/logger"
)

// Spec describes one OS process: a worker instance or a job payload.
type Spec struct {
	Name    string
	Command string
	// Args switches to direct exec of Command with these arguments, skipping
	// any shell parsing.
	Args    []string
	WorkDir string
	Env     []string
	// Stdout and Stderr take precedence over Log when set.
	Stdout io.Writer
	Stderr io.Writer
	Log    logger.Config
}

// BuildCommand constructs an *exec.Cmd for the spec. A shell is used only
// when the command contains shell metacharacters, and an explicit
// "sh -c ..." prefix is honored without wrapping it twice.
func (s Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Command, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return trueCommand()
	}
	if after, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~\n") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell matches "sh -c <script>" style prefixes and returns the
// script with one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
