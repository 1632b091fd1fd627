package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scrapeworks/dripfeed/internal/config"
	"github.com/scrapeworks/dripfeed/internal/domain"
)

func testDispatcher() *Dispatcher {
	return New(config.Config{
		CallbackMaxRetries:   3,
		CallbackTimeoutMS:    2000,
		CallbackRetryDelayMS: 1,
	}, nil)
}

func completedRecord() domain.ResultRecord {
	return domain.ResultRecord{
		JobID:      "job-1",
		RowID:      "r1",
		Tool:       "get_linkedin_profile",
		BatchID:    "batch_abc",
		Status:     domain.JobCompleted,
		Data:       json.RawMessage(`{"name":"x"}`),
		Attempts:   1,
		FinishedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestDispatch_Success(t *testing.T) {
	var got payload
	var gotHeaders http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	out := testDispatcher().Dispatch(context.Background(), domain.CallbackDelivery{URL: ts.URL, Record: completedRecord()})
	if !out.Success || out.Skipped {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Attempts != 1 {
		t.Fatalf("attempts = %d", out.Attempts)
	}
	if got.JobID != "job-1" || got.RowID != "r1" || got.Status != "completed" {
		t.Fatalf("payload = %+v", got)
	}
	if got.BatchID == nil || *got.BatchID != "batch_abc" {
		t.Fatalf("batch_id = %v", got.BatchID)
	}
	if got.ProcessedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("processed_at = %q", got.ProcessedAt)
	}
	if string(got.Data) != `{"name":"x"}` {
		t.Fatalf("data = %s", got.Data)
	}
	if got.Error != "" || got.Attempts != 0 {
		t.Fatalf("completed payload must not carry error fields: %+v", got)
	}
	if gotHeaders.Get("X-Attempt") != "1" {
		t.Fatalf("X-Attempt = %q", gotHeaders.Get("X-Attempt"))
	}
	if gotHeaders.Get("X-Idempotency-Key") != "job-1" {
		t.Fatalf("X-Idempotency-Key = %q", gotHeaders.Get("X-Idempotency-Key"))
	}
	if gotHeaders.Get("Content-Type") != "application/json" {
		t.Fatalf("Content-Type = %q", gotHeaders.Get("Content-Type"))
	}
}

func TestDispatch_FailurePayloadCarriesErrorAndNullBatch(t *testing.T) {
	var raw map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	rec := domain.ResultRecord{
		JobID:      "job-2",
		RowID:      "single_ab12",
		Tool:       "get_reddit_user",
		Status:     domain.JobFailed,
		Error:      "downstream /api/reddit/user: status 404: status 404",
		Attempts:   3,
		FinishedAt: time.Now(),
	}
	out := testDispatcher().Dispatch(context.Background(), domain.CallbackDelivery{URL: ts.URL, Record: rec})
	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if v, present := raw["batch_id"]; !present || v != nil {
		t.Fatalf("batch_id should be explicit null, got %v (present=%v)", v, present)
	}
	if raw["error"] == "" || raw["error"] == nil {
		t.Fatalf("error missing from failure payload: %v", raw)
	}
	if raw["attempts"] != float64(3) {
		t.Fatalf("attempts = %v", raw["attempts"])
	}
	if _, present := raw["data"]; present {
		t.Fatalf("failure payload must not carry data")
	}
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	var attemptHeaders []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptHeaders = append(attemptHeaders, r.Header.Get("X-Attempt"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	out := testDispatcher().Dispatch(context.Background(), domain.CallbackDelivery{URL: ts.URL, Record: completedRecord()})
	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Attempts != 3 {
		t.Fatalf("attempts = %d", out.Attempts)
	}
	if len(attemptHeaders) != 3 || attemptHeaders[0] != "1" || attemptHeaders[2] != "3" {
		t.Fatalf("x-attempt sequence = %v", attemptHeaders)
	}
}

func TestDispatch_ClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer ts.Close()

	out := testDispatcher().Dispatch(context.Background(), domain.CallbackDelivery{URL: ts.URL, Record: completedRecord()})
	if out.Success {
		t.Fatalf("expected failure outcome")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
	if out.Err == nil {
		t.Fatalf("expected outcome error")
	}
}

func TestDispatch_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	out := testDispatcher().Dispatch(context.Background(), domain.CallbackDelivery{URL: ts.URL, Record: completedRecord()})
	if out.Success {
		t.Fatalf("expected failure outcome")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if out.Attempts != 3 {
		t.Fatalf("outcome attempts = %d", out.Attempts)
	}
}

func TestDispatch_EmptyURLSkips(t *testing.T) {
	out := testDispatcher().Dispatch(context.Background(), domain.CallbackDelivery{Record: completedRecord()})
	if !out.Success || !out.Skipped {
		t.Fatalf("outcome = %+v", out)
	}
}
