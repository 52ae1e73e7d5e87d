package goofy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// FetchError indicates the avatar couldn't be downloaded
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("error fetching avatar: %s (status %d)", e.Err, e.StatusCode)
	}
	return fmt.Sprintf("error fetching avatar: %s", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// AvatarFetcher downloads avatar images. Requests from all commands share a
// single rate limiter.
type AvatarFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	maxSize int64
	logger  *slog.Logger
}

func newAvatarFetcher(
	client *http.Client,
	config PatPatConfig,
	logger *slog.Logger,
) *AvatarFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.FetchRate > 0 {
		limit = rate.Limit(config.FetchRate)
	}
	return &AvatarFetcher{
		client:  client,
		limiter: rate.NewLimiter(limit, max(1, config.FetchBurst)),
		timeout: config.FetchTimeout,
		maxSize: config.MaxDownloadSize,
		logger:  logger,
	}
}

// Fetch issues a GET request for the avatar at url and returns the
// response body.
func (f *AvatarFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	started := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.ErrorContext(ctx, "error fetching avatar", tint.Err(err), "url", url)
		return nil, &FetchError{URL: url, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", resp.Status),
		}
	}

	body := io.Reader(resp.Body)
	if f.maxSize > 0 {
		body = io.LimitReader(resp.Body, f.maxSize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	if f.maxSize > 0 && int64(len(data)) > f.maxSize {
		return nil, &FetchError{
			URL: url,
			Err: fmt.Errorf("avatar too large (>%d bytes)", f.maxSize),
		}
	}

	f.logger.DebugContext(
		ctx,
		"fetched avatar",
		"url", url,
		"bytes", len(data),
		"content_type", resp.Header.Get("Content-Type"),
		"elapsed", time.Since(started),
	)
	return data, nil
}
