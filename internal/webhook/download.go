package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxAssetSize caps a single downloaded result image.
const MaxAssetSize = 20 << 20

// ErrAssetTooLarge marks assets over MaxAssetSize; they are skipped and
// counted as download errors, never partially delivered.
var ErrAssetTooLarge = errors.New("asset exceeds size limit")

// Downloader fetches one result asset.
type Downloader interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPDownloader pulls provider result assets with bounded retries.
type HTTPDownloader struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
}

func NewHTTPDownloader() *HTTPDownloader {
	return &HTTPDownloader{
		client:   &http.Client{Timeout: 2 * time.Minute},
		attempts: 3,
		backoff:  2 * time.Second,
	}
}

func (d *HTTPDownloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		data, err := d.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		// An oversize asset will not shrink on retry.
		if errors.Is(err, ErrAssetTooLarge) {
			return nil, err
		}
		lastErr = err
		if attempt == d.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.backoff):
		}
	}
	return nil, lastErr
}

func (d *HTTPDownloader) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("asset status %d", resp.StatusCode)
	}
	if resp.ContentLength > MaxAssetSize {
		return nil, ErrAssetTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxAssetSize+1))
	if err != nil {
		return nil, fmt.Errorf("read asset: %w", err)
	}
	if len(data) > MaxAssetSize {
		return nil, ErrAssetTooLarge
	}
	return data, nil
}
