//go:build !windows

package detector

import (
	"context"
	"os/exec"
)

func shellCommand(ctx context.Context, s string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", s)
}
