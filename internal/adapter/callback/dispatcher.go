// Package callback delivers per-job result payloads to caller-supplied URLs.
//
// Delivery runs on its own retry schedule, independent of the downstream
// client, and its outcome never alters the job's terminal status.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/scrapeworks/dripfeed/internal/adapter/observability"
	"github.com/scrapeworks/dripfeed/internal/config"
	"github.com/scrapeworks/dripfeed/internal/domain"
	"github.com/scrapeworks/dripfeed/internal/version"
)

// payload is the wire shape POSTed to the callback URL.
type payload struct {
	JobID       string          `json:"job_id"`
	RowID       string          `json:"row_id"`
	BatchID     *string         `json:"batch_id"`
	Tool        string          `json:"tool"`
	Status      string          `json:"status"`
	ProcessedAt string          `json:"processed_at"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
}

// Dispatcher POSTs result payloads with retry/backoff.
type Dispatcher struct {
	hc         *http.Client
	maxRetries int
	baseDelay  time.Duration
	log        *slog.Logger
}

// New constructs a dispatcher from configuration.
func New(cfg config.Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		hc:         &http.Client{Timeout: cfg.CallbackTimeout()},
		maxRetries: cfg.CallbackMaxRetries,
		baseDelay:  cfg.CallbackRetryDelay(),
		log:        log,
	}
}

// Dispatch delivers the result record to d.URL. A missing URL is a no-op
// reported as skipped. Delivery is at-least-once; receivers deduplicate on
// the X-Idempotency-Key header (the job id).
func (p *Dispatcher) Dispatch(ctx context.Context, d domain.CallbackDelivery) domain.CallbackOutcome {
	if d.URL == "" {
		return domain.CallbackOutcome{Success: true, Skipped: true}
	}

	body, err := json.Marshal(buildPayload(d.Record))
	if err != nil {
		return domain.CallbackOutcome{Err: fmt.Errorf("op=callback.Dispatch: encode: %w", err)}
	}

	attempts := 0
	op := func() error {
		attempts++
		return p.attempt(ctx, d, body, attempts)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.baseDelay
	expo.MaxInterval = 30 * time.Second
	expo.Multiplier = 2.0
	expo.RandomizationFactor = 0.2
	expo.MaxElapsedTime = 0

	maxRetries := p.maxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(maxRetries-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		observability.CallbackDeliveriesTotal.WithLabelValues("failed").Inc()
		p.log.Warn("callback delivery failed",
			slog.String("job_id", d.Record.JobID),
			slog.String("url", d.URL),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
		return domain.CallbackOutcome{Attempts: attempts, Err: fmt.Errorf("%w: %v", domain.ErrCallbackDelivery, err)}
	}
	observability.CallbackDeliveriesTotal.WithLabelValues("delivered").Inc()
	return domain.CallbackOutcome{Success: true, Attempts: attempts}
}

func (p *Dispatcher) attempt(ctx context.Context, d domain.CallbackDelivery, body []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("X-Attempt", strconv.Itoa(attempt))
	req.Header.Set("X-Idempotency-Key", d.Record.JobID)

	resp, err := p.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("callback status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("callback status %d", resp.StatusCode))
	}
}

func buildPayload(r domain.ResultRecord) payload {
	pl := payload{
		JobID:       r.JobID,
		RowID:       r.RowID,
		Tool:        r.Tool,
		Status:      string(r.Status),
		ProcessedAt: r.FinishedAt.UTC().Format(time.RFC3339),
	}
	if r.BatchID != "" {
		b := r.BatchID
		pl.BatchID = &b
	}
	if r.Status == domain.JobCompleted {
		pl.Data = r.Data
	} else {
		pl.Error = r.Error
		pl.Attempts = r.Attempts
	}
	return pl
}

var _ domain.CallbackDispatcher = (*Dispatcher)(nil)
