// Package downstream implements the HTTP client for the downstream API.
//
// One Do call issues one logical request; transient transport faults, 429
// and 5xx responses are retried internally with exponential backoff before
// the call reports failure. These retries do not consume the job's attempt
// budget — that accounting belongs to the scheduler.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/scrapeworks/dripfeed/internal/adapter/observability"
	"github.com/scrapeworks/dripfeed/internal/config"
	"github.com/scrapeworks/dripfeed/internal/domain"
	"github.com/scrapeworks/dripfeed/internal/version"
)

const maxErrBodySnippet = 512

// Error is the structured terminal failure of one Do call.
type Error struct {
	Endpoint string
	Status   int
	Message  string
	Body     string
	kind     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("downstream %s: status %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("downstream %s: %s", e.Endpoint, e.Message)
}

// Unwrap maps the failure onto the domain error taxonomy.
func (e *Error) Unwrap() error { return e.kind }

// Client issues requests to the downstream API with per-call retry/backoff.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// New constructs a downstream client from configuration.
func New(cfg config.Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "downstream",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A 4xx or 429 is the service answering; only transport faults and
		// 5xx should count against the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, domain.ErrUpstreamClient) || errors.Is(err, domain.ErrUpstreamRateLimit)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			// Do applies per-request timeouts via context; no client-wide cap.
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
		log:     log,
	}
}

// Do issues one request to the downstream API and returns the decoded 2xx
// body. Transport faults, 429 and 5xx are retried up to
// DOWNSTREAM_MAX_RETRIES total attempts with exponential backoff.
func (c *Client) Do(ctx context.Context, req domain.DownstreamRequest) (json.RawMessage, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DownstreamTimeout()
	}

	var out json.RawMessage
	op := func() error {
		res, err := c.breaker.Execute(func() (any, error) {
			raw, aerr := c.attempt(ctx, req, timeout)
			return raw, aerr
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// An open breaker is a transport-class fault; keep retrying
				// so the backoff schedule outlives the breaker timeout.
				return &Error{Endpoint: req.Path, Message: err.Error(), kind: domain.ErrTransport}
			}
			var de *Error
			if errors.As(err, &de) && !domain.Retryable(de) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res.(json.RawMessage)
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.DownstreamRetryDelay()
	expo.MaxInterval = 30 * time.Second
	expo.Multiplier = 2.0
	expo.RandomizationFactor = 0.1
	expo.MaxElapsedTime = 0

	maxRetries := c.cfg.DownstreamMaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(maxRetries-1)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		var de *Error
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, &Error{Endpoint: req.Path, Message: err.Error(), kind: domain.ErrTransport}
	}
	return out, nil
}

// attempt performs a single HTTP exchange.
func (c *Client) attempt(ctx context.Context, req domain.DownstreamRequest, timeout time.Duration) (json.RawMessage, error) {
	b, err := json.Marshal(req.Body)
	if err != nil {
		return nil, &Error{Endpoint: req.Path, Message: fmt.Sprintf("encode body: %v", err), kind: domain.ErrInvalidArgument}
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.DownstreamBaseURL, "/") + req.Path
	r, err := http.NewRequestWithContext(actx, req.Method, url, bytes.NewReader(b))
	if err != nil {
		return nil, &Error{Endpoint: req.Path, Message: err.Error(), kind: domain.ErrInvalidArgument}
	}
	r.Header.Set("Authorization", "Bearer "+c.cfg.DownstreamAPIKey)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", version.UserAgent())

	start := time.Now()
	resp, err := c.hc.Do(r)
	observability.DownstreamRequestDuration.WithLabelValues(req.Path).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.DownstreamRequestsTotal.WithLabelValues(req.Path, "transport_error").Inc()
		c.log.Warn("downstream transport fault",
			slog.String("endpoint", req.Path),
			slog.Any("error", err))
		return nil, &Error{Endpoint: req.Path, Message: err.Error(), kind: domain.ErrTransport}
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.DownstreamRequestsTotal.WithLabelValues(req.Path, "transport_error").Inc()
		return nil, &Error{Endpoint: req.Path, Message: fmt.Sprintf("read body: %v", err), kind: domain.ErrTransport}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		observability.DownstreamRequestsTotal.WithLabelValues(req.Path, "rate_limited").Inc()
		c.log.Warn("downstream rate limited",
			slog.String("endpoint", req.Path),
			slog.Int("status", resp.StatusCode))
		return nil, &Error{Endpoint: req.Path, Status: resp.StatusCode, Message: "rate limited", Body: snippet(bodyBytes), kind: domain.ErrUpstreamRateLimit}
	case resp.StatusCode >= 500:
		observability.DownstreamRequestsTotal.WithLabelValues(req.Path, "server_error").Inc()
		c.log.Warn("downstream server error",
			slog.String("endpoint", req.Path),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet(bodyBytes)))
		return nil, &Error{Endpoint: req.Path, Status: resp.StatusCode, Message: fmt.Sprintf("status %d", resp.StatusCode), Body: snippet(bodyBytes), kind: domain.ErrUpstreamServer}
	case resp.StatusCode >= 400:
		observability.DownstreamRequestsTotal.WithLabelValues(req.Path, "client_error").Inc()
		c.log.Warn("downstream client error",
			slog.String("endpoint", req.Path),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet(bodyBytes)))
		return nil, &Error{Endpoint: req.Path, Status: resp.StatusCode, Message: fmt.Sprintf("status %d", resp.StatusCode), Body: snippet(bodyBytes), kind: domain.ErrUpstreamClient}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		observability.DownstreamRequestsTotal.WithLabelValues(req.Path, "unexpected").Inc()
		return nil, &Error{Endpoint: req.Path, Status: resp.StatusCode, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode), Body: snippet(bodyBytes), kind: domain.ErrUpstreamServer}
	}

	observability.DownstreamRequestsTotal.WithLabelValues(req.Path, "ok").Inc()
	if len(bodyBytes) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(bodyBytes), nil
}

func snippet(b []byte) string {
	if len(b) > maxErrBodySnippet {
		return string(b[:maxErrBodySnippet])
	}
	return string(b)
}
