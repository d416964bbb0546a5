package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Siro-Secret-Project/slices-trial-service/internal/eligibility"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		APIKey:             "test-key",
		BaseURL:            baseURL,
		RateLimitPerMinute: 60000,
		HTTPClient:         &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("a blank api key must be rejected")
	}
}

func TestQuerySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/query" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("api key header missing")
		}
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Filter["module"] != "inclusion" {
			t.Errorf("section filter missing: %v", req.Filter)
		}
		json.NewEncoder(w).Encode(queryAPIResponse{Matches: []Match{
			{ID: "NCT001", Score: 0.91},
			{ID: "NCT002", Score: 0.75},
		}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	matches, err := c.Query(context.Background(), QueryRequest{
		Vector: []float32{0.1, 0.2},
		TopK:   10,
		Filter: map[string]any{"module": "inclusion"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 || matches[0].ID != "NCT001" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
}

func TestQueryEmptyVector(t *testing.T) {
	c := newTestClient(t, "http://localhost:1")
	if _, err := c.Query(context.Background(), QueryRequest{}); !errors.Is(err, ErrInvalidEmbedding) {
		t.Fatalf("expected ErrInvalidEmbedding, got %v", err)
	}
}

func TestQueryBadRequestIsTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad vector", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Query(context.Background(), QueryRequest{Vector: []float32{1}})
	if !errors.Is(err, ErrInvalidEmbedding) {
		t.Fatalf("expected ErrInvalidEmbedding, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("400 must not be retried, got %d calls", calls)
	}
}

func TestQueryAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Query(context.Background(), QueryRequest{Vector: []float32{1}})
	if err == nil || errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("auth failures must not map to unavailability: %v", err)
	}
}

func TestQueryRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(queryAPIResponse{Matches: []Match{{ID: "NCT001", Score: 0.9}}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	matches, err := c.Query(context.Background(), QueryRequest{Vector: []float32{1}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected a retried success, matches=%d calls=%d", len(matches), calls)
	}
}

func TestQueryConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Query(context.Background(), QueryRequest{Vector: []float32{1}})
	if !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestQueryErrorFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(queryAPIResponse{Error: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Query(context.Background(), QueryRequest{Vector: []float32{1}}); !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("parseRetryAfter(3) = %s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("blank header must map to zero, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("unparseable header must map to zero, got %s", got)
	}
}

func TestSectionIndexMapsHits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Filter["module"] != "condition" {
			t.Errorf("expected a condition filter, got %v", req.Filter)
		}
		json.NewEncoder(w).Encode(queryAPIResponse{Matches: []Match{{ID: "NCT001", Score: 0.88}}})
	}))
	defer srv.Close()

	idx := NewSectionIndex(newTestClient(t, srv.URL))
	hits, err := idx.Query(context.Background(), []float32{1}, eligibility.SectionCondition, 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 || hits[0].Section != eligibility.SectionCondition || hits[0].DocumentID != "NCT001" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}
