package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// daemonArgs drops the flags that would make the child daemonize again.
func daemonArgs(args []string) []string {
	var out []string
	for _, arg := range args {
		if arg == "--daemonize" || arg == "-d" {
			continue
		}
		out = append(out, arg)
	}
	return out
}

// daemonize re-executes the binary detached from the terminal and returns
// the child's PID. The caller exits afterwards.
func daemonize(args []string, pidFile, logFile string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}
	// #nosec G204 re-executing ourselves
	cmd := exec.Command(executable, daemonArgs(args)...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	var out io.WriteCloser
	if logFile != "" {
		// #nosec G304 operator-supplied path
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		cmd.Stdout, cmd.Stderr = f, f
	}
	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	if out != nil {
		_ = out.Close()
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
			return pid, fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	return pid, nil
}
