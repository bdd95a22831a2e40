package installer

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/nodekeeper/internal/platform"
	"github.com/ulikunitz/xz"
)

// ErrBinaryMissing is returned when an archive unpacks without the expected executable.
var ErrBinaryMissing = errors.New("binary not found in archive")

// Format is the compression wrapped around the tar stream.
type Format string

const (
	FormatTarGz Format = "tar.gz"
	FormatTarXz Format = "tar.xz"
)

// DetectFormat infers the archive format from a URL or file name.
// Unknown names default to tar.gz, the format releases are published in.
func DetectFormat(name string) Format {
	lower := strings.ToLower(filepath.Base(name))
	if strings.HasSuffix(lower, ".tar.xz") || strings.HasSuffix(lower, ".txz") {
		return FormatTarXz
	}
	return FormatTarGz
}

// Extractor unpacks a release archive and locates the node executable.
type Extractor struct {
	Format Format
	Binary string
	// OS decides the executable suffix and whether permission bits apply.
	OS     platform.OS
	Logger *slog.Logger
}

// Extract unpacks r into installDir, creating it if absent, and returns the
// path of the executable. On POSIX targets the executable is made 0755.
func (e *Extractor) Extract(r io.Reader, installDir string) (string, error) {
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create install dir: %w", err)
	}

	var tr io.Reader
	switch e.Format {
	case FormatTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return "", fmt.Errorf("failed to create xz reader: %w", err)
		}
		tr = xr
	case FormatTarGz, "":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return "", fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer func() { _ = gr.Close() }()
		tr = gr
	default:
		return "", fmt.Errorf("unsupported archive format: %s", e.Format)
	}

	log.Debug("extracting archive", "format", e.Format, "dest", installDir)
	if err := extractTar(tr, installDir); err != nil {
		return "", err
	}

	binary := e.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	target := e.OS
	if target == "" {
		target, _ = platform.Current()
	}
	name := target.ExecutableName(binary)
	binPath, err := findBinary(installDir, name)
	if err != nil {
		return "", err
	}
	if target.IsPOSIX() {
		if err := os.Chmod(binPath, 0o755); err != nil {
			return "", fmt.Errorf("failed to mark %s executable: %w", binPath, err)
		}
	}
	log.Info("archive extracted", "binary", binPath)
	return binPath, nil
}

// findBinary prefers name at the top of dir and otherwise takes the
// shallowest regular file called name.
func findBinary(dir, name string) (string, error) {
	top := filepath.Join(dir, name)
	if fi, err := os.Stat(top); err == nil && fi.Mode().IsRegular() {
		return top, nil
	}
	found := ""
	depth := -1
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != name {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		dd := strings.Count(rel, string(filepath.Separator))
		if depth < 0 || dd < depth {
			found, depth = p, dd
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan install dir: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrBinaryMissing, name)
	}
	return found, nil
}

func extractTar(r io.Reader, destDir string) error {
	root, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return fmt.Errorf("failed to resolve install dir: %w", err)
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		target := filepath.Join(destDir, hdr.Name)
		if !isInsideDir(destDir, target) || !isInsideDir(root, resolvePath(target)) {
			return fmt.Errorf("invalid file path: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) || !linkStaysInside(root, filepath.Dir(target), hdr.Linkname) {
				return fmt.Errorf("invalid symlink target: %s -> %s", hdr.Name, hdr.Linkname)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink: %w", err)
			}
		}
	}
}

// resolvePath follows symlinks through the deepest existing ancestor of p
// and appends the components that do not exist yet.
func resolvePath(p string) string {
	var rest []string
	for {
		if real, err := filepath.EvalSymlinks(p); err == nil {
			return filepath.Join(append([]string{real}, rest...)...)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return filepath.Join(append([]string{p}, rest...)...)
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = parent
	}
}

// linkStaysInside walks link one component at a time from dir, resolving
// existing symlinks on the way, and reports whether every step stays within
// root.
func linkStaysInside(root, dir, link string) bool {
	cur := resolvePath(dir)
	if !isInsideDir(root, cur) {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(link), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
		default:
			cur = resolvePath(filepath.Join(cur, part))
		}
		if !isInsideDir(root, cur) {
			return false
		}
	}
	return true
}

func extractFile(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	return f.Close()
}

// isInsideDir reports whether target stays within baseDir. baseDir itself
// counts as inside so "./" entries are accepted.
func isInsideDir(baseDir, target string) bool {
	rel, err := filepath.Rel(baseDir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
