package transplant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Fetcher downloads pretrained weight URLs once into a local cache directory.
type Fetcher struct {
	cacheDir   string
	httpClient *http.Client
	logger     *slog.Logger
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	CacheDir string        // Directory to store downloaded weights
	Timeout  time.Duration // HTTP request timeout (0 = no timeout)
	Logger   *slog.Logger
}

// NewFetcher creates the cache directory if needed.
func NewFetcher(options FetcherOptions) (*Fetcher, error) {
	if err := os.MkdirAll(options.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		cacheDir:   options.CacheDir,
		httpClient: &http.Client{Timeout: options.Timeout},
		logger:     logger,
	}, nil
}

// Fetch returns the local path of rawURL, downloading it on first use.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	cachePath := filepath.Join(f.cacheDir, cacheKey(rawURL))
	if _, err := os.Stat(cachePath); err == nil {
		return cachePath, nil
	}

	f.logger.Info("downloading pretrained weights", "url", rawURL, "dest", cachePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: status %d", rawURL, resp.StatusCode)
	}

	tempFile, err := os.CreateTemp(f.cacheDir, "download-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	if _, err := io.Copy(tempFile, resp.Body); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("failed to save %s: %w", rawURL, err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, cachePath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("failed to move cached file: %w", err)
	}
	return cachePath, nil
}

// cacheKey keeps the file name of the URL and prefixes it with a short hash
// of the full URL so distinct URLs never collide.
func cacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	prefix := hex.EncodeToString(sum[:])[:12]
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return prefix + "-" + base
		}
	}
	return prefix
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
