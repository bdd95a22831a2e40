// Package release resolves which node version to install.
//
// Tags are carried verbatim (a leading "v" is kept in URLs, asset names and
// the VERSION marker). Only comparison strips a single leading "v".
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

const (
	// FallbackVersion is installed whenever the latest release cannot be trusted.
	FallbackVersion = "v1.5.0"
	// DefaultEndpoint serves the latest published node release.
	DefaultEndpoint = "https://api.github.com/repos/paradigmxyz/reth/releases/latest"
	// DefaultTimeout bounds a single metadata lookup.
	DefaultTimeout = 10 * time.Second
)

// Version is one published release. It is eligible for install only when
// neither Prerelease nor Draft is set.
type Version struct {
	Tag        string `json:"tag_name"`
	Prerelease bool   `json:"prerelease"`
	Draft      bool   `json:"draft"`
}

// Eligible reports whether v may be installed.
func (v Version) Eligible() bool {
	return v.Tag != "" && !v.Prerelease && !v.Draft
}

func (v Version) String() string { return v.Tag }

// Resolver looks up the latest eligible release. Zero fields take defaults.
type Resolver struct {
	Endpoint string
	Fallback string
	Timeout  time.Duration
	// Token is sent as a bearer token when set. Empty falls back to $GITHUB_TOKEN.
	Token  string
	Client *http.Client
	Logger *slog.Logger
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Resolver) fallback(reason string, attrs ...any) Version {
	fb := r.Fallback
	if fb == "" {
		fb = FallbackVersion
	}
	r.logger().Warn("using fallback node version", append([]any{"reason", reason, "version", fb}, attrs...)...)
	return Version{Tag: fb}
}

// Resolve never fails: transport errors, non-2xx responses, malformed JSON
// and ineligible releases all yield the fallback version.
func (r *Resolver) Resolve(ctx context.Context) Version {
	v, err := r.Latest(ctx)
	if err != nil {
		return r.fallback("lookup failed", "error", err)
	}
	if !v.Eligible() {
		return r.fallback("latest release is not eligible", "tag", v.Tag, "prerelease", v.Prerelease, "draft", v.Draft)
	}
	r.logger().Info("resolved latest node version", "version", v.Tag)
	return v
}

// Latest returns the raw latest release as reported by the endpoint.
func (r *Resolver) Latest(ctx context.Context) (Version, error) {
	endpoint := r.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Version{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "nodekeeper")
	token := r.Token
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Version{}, fmt.Errorf("failed to fetch latest release: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Version{}, fmt.Errorf("release endpoint returned status %d", resp.StatusCode)
	}
	var v Version
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Version{}, fmt.Errorf("failed to decode release: %w", err)
	}
	if v.Tag == "" {
		return Version{}, fmt.Errorf("empty tag_name in latest release")
	}
	return v, nil
}

// Normalize strips one leading "v" for comparison.
func Normalize(tag string) string {
	return strings.TrimPrefix(strings.TrimSpace(tag), "v")
}

// IsUpdateAvailable reports whether latest is newer than installed. Both
// are compared as semantic versions after Normalize; when either side does
// not parse, any difference counts as an update, so an unknown installed
// version ("") reports one.
func IsUpdateAvailable(installed, latest string) bool {
	in, lt := Normalize(installed), Normalize(latest)
	iv, err1 := semver.NewVersion(in)
	lv, err2 := semver.NewVersion(lt)
	if err1 != nil || err2 != nil {
		return in != lt
	}
	return lv.GreaterThan(iv)
}
