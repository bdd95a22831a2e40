package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// DefaultEndpoint is where the node serves metrics when started with
// --metrics 127.0.0.1:9001.
const DefaultEndpoint = "http://127.0.0.1:9001/metrics"

// maxPayload caps a single scrape body.
const maxPayload = 32 << 20

// Fetch GETs endpoint and returns the body. Transport failures and non-2xx
// responses are returned as errors.
func Fetch(ctx context.Context, client *http.Client, endpoint string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("scrape %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("scrape %s: HTTP %d", endpoint, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	if err != nil {
		return "", fmt.Errorf("read scrape body: %w", err)
	}
	return string(b), nil
}

// Parse folds exposition text into name → raw value. Empty lines and lines
// starting with "#" are skipped. Each remaining line is split at its last
// space; any {labels} are stripped from the name and the last occurrence of
// a name wins. Lines without a space are skipped.
func Parse(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.LastIndexByte(line, ' ')
		if i < 0 {
			continue
		}
		name, value := line[:i], strings.TrimSpace(line[i+1:])
		if j := strings.IndexByte(name, '{'); j >= 0 {
			name = name[:j]
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out[name] = value
	}
	return out
}

// Names returns the sorted metric names of a parsed payload.
func Names(parsed map[string]string) []string {
	names := make([]string, 0, len(parsed))
	for n := range parsed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
