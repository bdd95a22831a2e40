// Package installer acquires a runnable node binary: it resolves a version,
// streams the release archive, unpacks it and records what was installed.
package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/nodekeeper/internal/lifecycle"
	"github.com/loykin/nodekeeper/internal/platform"
	"github.com/loykin/nodekeeper/internal/release"
)

// MarkerFile records the installed tag next to the binary.
const MarkerFile = "VERSION"

// VersionSource resolves the version to install. It must not fail.
type VersionSource interface {
	Resolve(ctx context.Context) release.Version
}

// Result describes a successful install.
type Result struct {
	Version    string `json:"version"`
	BinaryPath string `json:"binary_path"`
}

// Pipeline runs resolve → download → extract behind a lifecycle.Machine.
type Pipeline struct {
	Versions   VersionSource
	Downloader *Downloader
	Machine    *lifecycle.Machine
	InstallDir string
	OS         platform.OS
	Arch       platform.Arch
	// Version pins a tag and skips resolution when set.
	Version string
	// OnProgress mirrors download progress for interactive displays.
	OnProgress ProgressCallback
	Logger     *slog.Logger
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) target() (platform.OS, platform.Arch) {
	goos, arch := platform.Current()
	if p.OS != "" {
		goos = p.OS
	}
	if p.Arch != "" {
		arch = p.Arch
	}
	return goos, arch
}

// Run installs the node. The machine must be Idle. Any failure moves it to
// Error(message) and is returned.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	if p.Machine == nil {
		return Result{}, errors.New("installer: nil machine")
	}
	if err := p.Machine.Transition(lifecycle.State{Kind: lifecycle.FetchingVersion}); err != nil {
		return Result{}, err
	}
	res, err := p.run(ctx)
	if err != nil {
		_ = p.Machine.Fail(err.Error())
		p.logger().Error("install failed", "error", err)
		return Result{}, err
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context) (Result, error) {
	goos, arch := p.target()
	token, err := platform.Token(goos, arch)
	if err != nil {
		return Result{}, err
	}

	tag := p.Version
	if tag == "" {
		versions := p.Versions
		if versions == nil {
			versions = &release.Resolver{Logger: p.Logger}
		}
		tag = versions.Resolve(ctx).Tag
	}
	log := p.logger().With("version", tag, "platform", token)

	if err := p.Machine.Transition(lifecycle.State{Kind: lifecycle.Downloading}); err != nil {
		return Result{}, err
	}
	dl := p.Downloader
	if dl == nil {
		dl = &Downloader{Logger: p.Logger}
	}
	data, err := dl.Download(ctx, tag, token, func(got, total int64) {
		if p.OnProgress != nil {
			p.OnProgress(got, total)
		}
		if total <= 0 {
			return
		}
		_ = p.Machine.Transition(lifecycle.State{Kind: lifecycle.Downloading, Progress: float64(got) / float64(total) * 100})
	})
	if err != nil {
		return Result{}, fmt.Errorf("download %s: %w", tag, err)
	}
	if err := p.Machine.Transition(lifecycle.State{Kind: lifecycle.Downloading, Progress: 100}); err != nil {
		return Result{}, err
	}
	log.Info("archive downloaded", "bytes", len(data))

	if err := p.Machine.Transition(lifecycle.State{Kind: lifecycle.Extracting}); err != nil {
		return Result{}, err
	}
	ex := &Extractor{
		Format: DetectFormat(dl.URL(tag, token)),
		Binary: dl.binary(),
		OS:     goos,
		Logger: p.Logger,
	}
	binPath, err := ex.Extract(bytes.NewReader(data), p.InstallDir)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", tag, err)
	}
	if err := WriteMarker(p.InstallDir, tag); err != nil {
		return Result{}, err
	}
	if err := p.Machine.Transition(lifecycle.State{Kind: lifecycle.Completed}); err != nil {
		return Result{}, err
	}
	log.Info("node installed", "binary", binPath)
	return Result{Version: tag, BinaryPath: binPath}, nil
}

// WriteMarker records tag in dir/VERSION.
func WriteMarker(dir, tag string) error {
	if err := os.WriteFile(filepath.Join(dir, MarkerFile), []byte(tag+"\n"), 0o644); err != nil {
		return fmt.Errorf("write version marker: %w", err)
	}
	return nil
}

// Installed reports a previously installed binary in dir. The version is
// empty when the marker is missing but the binary exists.
func Installed(dir, binary string, goos platform.OS) (Result, bool) {
	if binary == "" {
		binary = DefaultBinary
	}
	if goos == "" {
		goos, _ = platform.Current()
	}
	binPath := filepath.Join(dir, goos.ExecutableName(binary))
	fi, err := os.Stat(binPath)
	if err != nil || !fi.Mode().IsRegular() {
		return Result{}, false
	}
	res := Result{BinaryPath: binPath}
	if b, err := os.ReadFile(filepath.Join(dir, MarkerFile)); err == nil {
		res.Version = strings.TrimSpace(string(b))
	}
	return res, true
}
