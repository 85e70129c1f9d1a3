package normalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
)

const defaultMaxBodyBytes = 16 << 20

// Fetcher retrieves the body behind a callback reference.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// HTTPFetcherConfig tunes outbound callback fetches.
type HTTPFetcherConfig struct {
	Timeout      time.Duration
	RatePerSec   float64
	Burst        int
	MaxBodyBytes int64
	Client       *http.Client
}

// HTTPFetcher fetches callback URLs over HTTP behind a shared rate limiter.
type HTTPFetcher struct {
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
}

// NewHTTPFetcher builds an HTTPFetcher, filling zero values with conservative defaults.
func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPFetcher{
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		maxBytes: cfg.MaxBodyBytes,
	}
}

// Fetch performs a GET against rawURL. Network failures and 5xx, 408 and 429 responses are
// transient; any other non-2xx status or an unusable URL is permanent.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, domain.Permanent(fmt.Errorf("invalid callback url %q", rawURL))
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, domain.Transient(fmt.Errorf("fetch rate limit: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("build callback request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("fetch callback: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := fmt.Errorf("callback returned %d", resp.StatusCode)
		switch {
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
			return nil, domain.Transient(statusErr)
		default:
			return nil, domain.Permanent(statusErr)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("read callback body: %w", err))
	}
	if int64(len(body)) > f.maxBytes {
		return nil, domain.Permanent(errors.New("callback body exceeds size limit"))
	}
	return body, nil
}
