package ingest_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AngelCh415/campaign-etl/internal/ingest"
)

// fetchURL issues the request and returns the status code or the transport error.
func fetchURL(c ingest.HTTPClient, url string) (int, error) {
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func TestHTTPClientHandles500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := ingest.NewHTTPClient(2 * time.Second)
	code, err := fetchURL(client, srv.URL)
	if err != nil {
		t.Fatalf("unexpected network error: %v", err)
	}
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
}

func TestHTTPClientHandles404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := ingest.NewHTTPClient(2 * time.Second)
	code, err := fetchURL(client, srv.URL)
	if err != nil {
		t.Fatalf("unexpected network error: %v", err)
	}
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestHTTPClientHandlesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	client := ingest.NewHTTPClient(500 * time.Millisecond)
	_, err := fetchURL(client, srv.URL)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func TestGetJSONWithRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	err := ingest.GetJSONWithRetry(context.Background(), ingest.NewHTTPClient(time.Second), srv.URL, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.OK || calls.Load() != 3 {
		t.Fatalf("expected success on third call, got ok=%v calls=%d", out.OK, calls.Load())
	}
}

func TestGetJSONWithRetryDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	var out map[string]any
	err := ingest.GetJSONWithRetry(context.Background(), ingest.NewHTTPClient(time.Second), srv.URL, &out)
	var se *ingest.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 status error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}
