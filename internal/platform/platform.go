// Package platform maps an operating system and CPU architecture to the
// release asset token used by node archives, and resolves per-user
// directories for an explicitly supplied OS.
package platform

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// OS identifies a target operating system.
type OS string

const (
	Linux   OS = "linux"
	Darwin  OS = "darwin"
	Windows OS = "windows"
)

// Arch identifies a target CPU architecture.
type Arch string

const (
	AMD64 Arch = "amd64"
	ARM64 Arch = "arm64"
)

// ErrUnsupportedPlatform is matched by errors.Is for every UnsupportedPlatformError.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// UnsupportedPlatformError reports an OS/arch pair with no published archive.
type UnsupportedPlatformError struct {
	OS   OS
	Arch Arch
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform %s/%s", e.OS, e.Arch)
}

func (e *UnsupportedPlatformError) Is(target error) bool { return target == ErrUnsupportedPlatform }

var tokens = map[OS]map[Arch]string{
	Linux: {
		AMD64: "x86_64-unknown-linux-gnu",
		ARM64: "aarch64-unknown-linux-gnu",
	},
	Darwin: {
		AMD64: "x86_64-apple-darwin",
		ARM64: "aarch64-apple-darwin",
	},
	Windows: {
		AMD64: "x86_64-pc-windows-gnu",
	},
}

// Token returns the archive platform token for the given pair.
func Token(os OS, arch Arch) (string, error) {
	if t, ok := tokens[os][arch]; ok {
		return t, nil
	}
	return "", &UnsupportedPlatformError{OS: os, Arch: arch}
}

// Current returns the OS and Arch of the running binary.
func Current() (OS, Arch) {
	return OS(runtime.GOOS), Arch(runtime.GOARCH)
}

// IsPOSIX reports whether files on os carry Unix permission bits.
func (o OS) IsPOSIX() bool { return o != Windows }

// ExecutableName appends the platform executable suffix to name.
func (o OS) ExecutableName(name string) string {
	if o == Windows {
		return name + ".exe"
	}
	return name
}

// Dirs holds the per-user directories nodekeeper writes to.
type Dirs struct {
	Base    string // ~/.nodekeeper
	Bin     string // install directory for the node binary
	Data    string // default node datadir
	Logs    string // node file logs and captured output
	Run     string // pid files
	Config  string // settings file location
	History string // default sqlite history database
}

// DirsFor resolves Dirs for os rooted at home. cacheDir is the platform cache
// directory (may be empty) used for node logs the way the node itself lays them out.
func DirsFor(os OS, home, cacheDir string) Dirs {
	base := filepath.Join(home, ".nodekeeper")
	logs := filepath.Join(base, "logs")
	if cacheDir != "" {
		logs = filepath.Join(cacheDir, "reth", "logs")
	} else {
		switch os {
		case Darwin:
			logs = filepath.Join(home, "Library", "Caches", "reth", "logs")
		case Linux:
			logs = filepath.Join(home, ".cache", "reth", "logs")
		}
	}
	return Dirs{
		Base:    base,
		Bin:     filepath.Join(base, "bin"),
		Data:    filepath.Join(base, "data"),
		Logs:    logs,
		Run:     filepath.Join(base, "run"),
		Config:  filepath.Join(base, "settings.toml"),
		History: filepath.Join(base, "history.db"),
	}
}
