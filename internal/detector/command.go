package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandDetector runs a command that should succeed if the node is running,
// for example "pgrep -x reth".
type CommandDetector struct{ Command string }

// buildCommand avoids a shell unless the command carries shell metacharacters.
func buildCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (d CommandDetector) Alive(ctx context.Context) (bool, error) {
	if strings.TrimSpace(d.Command) == "" {
		return false, errors.New("empty detector command")
	}
	err := buildCommand(ctx, d.Command).Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
