// Package vectorindex is the HTTP client for the vector-similarity index
// service holding embedded trial document sections.
package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL            = "http://localhost:7700"
	queryPath                 = "/v1/query"
	DefaultRateLimitPerMinute = 120
)

var (
	// ErrIndexUnavailable reports that the index could not serve the query
	// after retries were exhausted.
	ErrIndexUnavailable = errors.New("vector index unavailable")
	// ErrInvalidEmbedding reports that the index rejected the query vector.
	ErrInvalidEmbedding = errors.New("invalid embedding")
)

type Config struct {
	APIKey             string
	BaseURL            string
	RateLimitPerMinute int
	HTTPClient         *http.Client
}

type Client struct {
	cfg       Config
	limiter   <-chan time.Time
	limiterMu sync.Mutex
}

func NewClient(cfg Config) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, errors.New("VECTOR_INDEX_API_KEY not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	interval := time.Minute / time.Duration(cfg.RateLimitPerMinute)
	ticker := time.NewTicker(interval)
	return &Client{cfg: cfg, limiter: ticker.C}, nil
}

// QueryRequest asks for the TopK nearest neighbors of Vector, restricted to
// index entries whose metadata matches Filter (e.g. {"module": "inclusion"}).
type QueryRequest struct {
	Vector []float32      `json:"vector"`
	TopK   int            `json:"topK"`
	Filter map[string]any `json:"filter,omitempty"`
}

// Match is one nearest neighbor. Score is cosine similarity in [0,1].
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type queryAPIResponse struct {
	Error   bool    `json:"error"`
	Matches []Match `json:"matches"`
}

// Query runs one similarity search. It rate-limits locally, retries transient
// failures and maps terminal failures onto the package sentinels.
func (c *Client) Query(ctx context.Context, req QueryRequest) ([]Match, error) {
	if len(req.Vector) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	resp, statusCode, err := c.executeWithRetry(ctx, req)
	if err != nil {
		switch {
		case statusCode == http.StatusBadRequest:
			return nil, fmt.Errorf("%w: %v", ErrInvalidEmbedding, err)
		case statusCode == http.StatusForbidden, statusCode == http.StatusUnauthorized:
			return nil, fmt.Errorf("vector index authentication failed. Check VECTOR_INDEX_API_KEY: %w", err)
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
	}
	return resp.Matches, nil
}

func (c *Client) waitRateLimit(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.limiter:
		return nil
	}
}

func (c *Client) executeWithRetry(ctx context.Context, req QueryRequest) (queryAPIResponse, int, error) {
	var lastErr error
	statusCode := 0
	timeoutRetried := false
	for attempt := 1; attempt <= 4; attempt++ {
		resp, code, retryAfter, err := c.executeOnce(ctx, req)
		statusCode = code
		if err == nil {
			return resp, statusCode, nil
		}
		lastErr = err

		if code == http.StatusBadRequest || code == http.StatusForbidden || code == http.StatusUnauthorized {
			return queryAPIResponse{}, statusCode, err
		}
		if code == http.StatusTooManyRequests {
			if attempt == 4 {
				break
			}
			sleep := retryAfter
			if sleep <= 0 {
				sleep = backoffDelay(attempt)
			}
			if err := sleepCtx(ctx, sleep); err != nil {
				return queryAPIResponse{}, statusCode, err
			}
			continue
		}
		if code >= 500 || isTimeoutError(err) {
			if isTimeoutError(err) {
				if timeoutRetried {
					break
				}
				timeoutRetried = true
			}
			if attempt == 4 {
				break
			}
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return queryAPIResponse{}, statusCode, err
			}
			continue
		}
		return queryAPIResponse{}, statusCode, err
	}
	return queryAPIResponse{}, statusCode, lastErr
}

func (c *Client) executeOnce(ctx context.Context, q QueryRequest) (queryAPIResponse, int, time.Duration, error) {
	payload, _ := json.Marshal(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+queryPath, bytes.NewReader(payload))
	if err != nil {
		return queryAPIResponse{}, 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return queryAPIResponse{}, 0, 0, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 2<<20))

	retryAfter := parseRetryAfter(res.Header.Get("Retry-After"))
	if res.StatusCode == http.StatusTooManyRequests {
		return queryAPIResponse{}, res.StatusCode, retryAfter, fmt.Errorf("status code: %d", res.StatusCode)
	}
	if res.StatusCode >= 400 {
		return queryAPIResponse{}, res.StatusCode, retryAfter, fmt.Errorf("status code: %d body=%s", res.StatusCode, string(b))
	}

	var parsed queryAPIResponse
	if err := json.Unmarshal(b, &parsed); err != nil {
		return queryAPIResponse{}, res.StatusCode, retryAfter, err
	}
	if parsed.Error {
		return queryAPIResponse{}, res.StatusCode, retryAfter, fmt.Errorf("index error flag true body=%s", string(b))
	}
	return parsed, res.StatusCode, retryAfter, nil
}

func parseRetryAfter(v string) time.Duration {
	if strings.TrimSpace(v) == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func backoffDelay(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 1 * time.Second
	case 2:
		return 2 * time.Second
	default:
		return 4 * time.Second
	}
}
