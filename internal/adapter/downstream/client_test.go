package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/scrapeworks/dripfeed/internal/config"
	"github.com/scrapeworks/dripfeed/internal/domain"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		DownstreamBaseURL:      baseURL,
		DownstreamAPIKey:       "k3y",
		DownstreamTimeoutMS:    2000,
		DownstreamMaxRetries:   3,
		DownstreamRetryDelayMS: 1,
	}
}

func TestDo_Success(t *testing.T) {
	var gotAuth, gotCT string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"x"}`))
	}))
	defer ts.Close()

	c := New(testConfig(ts.URL), nil)
	raw, err := c.Do(context.Background(), domain.DownstreamRequest{
		Method: "POST",
		Path:   "/api/linkedin/profile",
		Body:   map[string]any{"user": "https://linkedin.com/in/x"},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(raw) != `{"name":"x"}` {
		t.Fatalf("unexpected body %s", raw)
	}
	if gotAuth != "Bearer k3y" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotCT != "application/json" {
		t.Fatalf("content type = %q", gotCT)
	}
	if gotBody["user"] != "https://linkedin.com/in/x" {
		t.Fatalf("body not passed through verbatim: %v", gotBody)
	}
}

func TestDo_RetriesRateLimitThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	c := New(testConfig(ts.URL), nil)
	raw, err := c.Do(context.Background(), domain.DownstreamRequest{Method: "POST", Path: "/x", Body: map[string]any{}})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("unexpected body %s", raw)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDo_ClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such profile"}`))
	}))
	defer ts.Close()

	c := New(testConfig(ts.URL), nil)
	_, err := c.Do(context.Background(), domain.DownstreamRequest{Method: "POST", Path: "/x", Body: map[string]any{}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if de.Status != http.StatusNotFound {
		t.Fatalf("status = %d", de.Status)
	}
	if !errors.Is(err, domain.ErrUpstreamClient) {
		t.Fatalf("expected ErrUpstreamClient kind")
	}
	if domain.Retryable(err) {
		t.Fatalf("client error must be terminal")
	}
}

func TestDo_ServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer ts.Close()

	c := New(testConfig(ts.URL), nil)
	_, err := c.Do(context.Background(), domain.DownstreamRequest{Method: "POST", Path: "/x", Body: map[string]any{}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected retries to exhaust at 3 attempts, got %d", calls.Load())
	}
	if !errors.Is(err, domain.ErrUpstreamServer) {
		t.Fatalf("expected ErrUpstreamServer kind, got %v", err)
	}
	if !domain.Retryable(err) {
		t.Fatalf("5xx stays retryable so the scheduler can apply job-level retry")
	}
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *Error")
	}
	if de.Body == "" {
		t.Fatalf("expected response body snippet in error")
	}
}

func TestDo_TransportFault(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	ts.Close() // refuse connections

	c := New(testConfig(ts.URL), nil)
	_, err := c.Do(context.Background(), domain.DownstreamRequest{Method: "POST", Path: "/x", Body: map[string]any{}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport kind, got %v", err)
	}
}

func TestDo_EmptyBodyBecomesNull(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := New(testConfig(ts.URL), nil)
	raw, err := c.Do(context.Background(), domain.DownstreamRequest{Method: "POST", Path: "/x", Body: nil})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(raw) != "null" {
		t.Fatalf("empty body should decode as null, got %s", raw)
	}
}
