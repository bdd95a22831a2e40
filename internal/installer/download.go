package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the repository that publishes node archives.
	DefaultBaseURL = "https://github.com/paradigmxyz/reth"
	// DefaultBinary is the executable name inside the archive.
	DefaultBinary = "reth"
	// DefaultIdleTimeout aborts a download that receives no bytes for this long.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultTimeout bounds a whole download.
	DefaultTimeout = 30 * time.Minute
	// DefaultMaxSize bounds an archive held in memory.
	DefaultMaxSize int64 = 1 << 30
	// maxPreGrow caps the buffer reserved from Content-Length up front.
	maxPreGrow int64 = 64 << 20
)

var (
	// ErrStalled is the cancellation cause when the idle timeout elapses.
	ErrStalled = errors.New("download stalled")
	// ErrTooLarge is returned when an archive exceeds the size limit.
	ErrTooLarge = errors.New("archive exceeds size limit")
)

// ProgressCallback is called after every received chunk.
// total is -1 if Content-Length is unknown.
type ProgressCallback func(downloaded, total int64)

// Downloader fetches release archives over HTTP. Zero fields take defaults.
type Downloader struct {
	BaseURL     string
	Binary      string
	Client      *http.Client
	IdleTimeout time.Duration
	Timeout     time.Duration
	// MaxSize rejects archives larger than this many bytes.
	MaxSize     int64
	Logger      *slog.Logger
}

func (d *Downloader) binary() string {
	if d.Binary == "" {
		return DefaultBinary
	}
	return d.Binary
}

// URL returns {base}/releases/download/{version}/{binary}-{version}-{platform}.tar.gz.
func (d *Downloader) URL(version, platformToken string) string {
	base := strings.TrimRight(d.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return fmt.Sprintf("%s/releases/download/%s/%s", base, version, AssetName(d.binary(), version, platformToken))
}

// AssetName is the archive file name for a release.
func AssetName(binary, version, platformToken string) string {
	return fmt.Sprintf("%s-%s-%s.tar.gz", binary, version, platformToken)
}

// Download streams the archive for version/platform into memory, invoking cb
// after each chunk. Non-2xx responses and read failures are errors.
func (d *Downloader) Download(ctx context.Context, version, platformToken string, cb ProgressCallback) ([]byte, error) {
	return d.Fetch(ctx, d.URL(version, platformToken), cb)
}

// Fetch downloads url with the idle and overall timeouts applied.
func (d *Downloader) Fetch(ctx context.Context, url string, cb ProgressCallback) ([]byte, error) {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	idle := d.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	maxSize := d.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	watchdog := time.AfterFunc(idle, func() { cancel(ErrStalled) })
	defer watchdog.Stop()

	log.Debug("downloading archive", "url", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "nodekeeper")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download from %s: %w", url, downloadCause(ctx, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to download: HTTP %d", resp.StatusCode)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = -1
	}
	if total > maxSize {
		return nil, fmt.Errorf("%w: %d bytes announced, limit %d", ErrTooLarge, total, maxSize)
	}
	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(min(total, maxPreGrow)))
	}
	pr := &progressReader{
		reader:   io.LimitReader(resp.Body, maxSize+1),
		total:    total,
		callback: cb,
		onChunk:  func() { watchdog.Reset(idle) },
	}
	if _, err := io.Copy(&buf, pr); err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", downloadCause(ctx, err))
	}
	if int64(buf.Len()) > maxSize {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, maxSize)
	}
	log.Debug("download completed", "url", url, "bytes", buf.Len())
	return buf.Bytes(), nil
}

func downloadCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

// progressReader wraps an io.Reader and reports progress.
type progressReader struct {
	reader     io.Reader
	total      int64
	downloaded int64
	callback   ProgressCallback
	onChunk    func()
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.downloaded += int64(n)
		if r.onChunk != nil {
			r.onChunk()
		}
		if r.callback != nil {
			r.callback(r.downloaded, r.total)
		}
	}
	return n, err
}
