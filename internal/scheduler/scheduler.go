// Package scheduler hosts the single-flight drip worker.
//
// The scheduler is the only consumer of the job queue. It releases at most
// one job per drip interval: a token bucket with capacity one, refilled one
// token per interval, gates every claim, so bursts absorbed by the store
// drain at a strictly controlled steady rate. When a job runs longer than
// the interval the next one starts immediately on completion — there is no
// catch-up burst. Running more than one scheduler breaks the rate-limit
// contract and is unsupported.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrapeworks/dripfeed/internal/adapter/observability"
	"github.com/scrapeworks/dripfeed/internal/domain"
	"github.com/scrapeworks/dripfeed/internal/registry"
)

// Config tunes the drip loop.
type Config struct {
	DripInterval       time.Duration
	ClaimTimeout       time.Duration
	MaxAttempts        int
	RetryBaseDelay     time.Duration
	LeaseRenewInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.DripInterval <= 0 {
		c.DripInterval = 10 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5 * time.Second
	}
	if c.LeaseRenewInterval <= 0 {
		c.LeaseRenewInterval = 30 * time.Second
	}
}

// Scheduler drains the store one job per drip interval.
type Scheduler struct {
	store      domain.Store
	reg        *registry.Registry
	downstream domain.Downstream
	callbacks  domain.CallbackDispatcher
	gate       *rate.Limiter
	cfg        Config
	log        *slog.Logger

	callbackWG sync.WaitGroup
	lastStart  time.Time
}

// New constructs a scheduler. All collaborators are required.
func New(store domain.Store, reg *registry.Registry, ds domain.Downstream, cb domain.CallbackDispatcher, cfg Config, log *slog.Logger) *Scheduler {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:      store,
		reg:        reg,
		downstream: ds,
		callbacks:  cb,
		gate:       rate.NewLimiter(rate.Every(cfg.DripInterval), 1),
		cfg:        cfg,
		log:        log,
	}
}

// Run drives the drip loop until ctx is cancelled. The job in flight at
// cancellation time is allowed to finish; pending callback deliveries are
// waited for before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("drip scheduler starting",
		slog.Duration("drip_interval", s.cfg.DripInterval),
		slog.Int("max_attempts", s.cfg.MaxAttempts))

	for {
		waitStart := time.Now()
		if err := s.gate.Wait(ctx); err != nil {
			break
		}
		observability.DripWaitDuration.Observe(time.Since(waitStart).Seconds())

		job, err := s.store.ClaimNext(ctx, s.cfg.ClaimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Error("claim failed", slog.Any("error", err))
			continue
		}
		if job == nil {
			continue
		}

		// A slow claim can outlive the token refill; hold the start so
		// consecutive starts stay at least one interval apart.
		if !s.holdStart(ctx) {
			// Shutting down with a claimed job: let the lease lapse so a
			// restarted scheduler re-claims it.
			break
		}
		s.lastStart = time.Now()

		// Detach from the run context so cancellation stops claiming but
		// never interrupts the job already in flight.
		s.processOne(context.WithoutCancel(ctx), job)
	}

	s.log.Info("drip scheduler stopping; waiting for callback deliveries")
	s.callbackWG.Wait()
	return nil
}

func (s *Scheduler) holdStart(ctx context.Context) bool {
	if s.lastStart.IsZero() {
		return ctx.Err() == nil
	}
	d := time.Until(s.lastStart.Add(s.cfg.DripInterval))
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// processOne executes a single claimed job to a terminal or delayed state.
func (s *Scheduler) processOne(ctx context.Context, j *domain.Job) {
	defer func() {
		if rec := recover(); rec != nil {
			// A poisoned job must not kill the worker or loop forever.
			s.log.Error("panic during job processing",
				slog.String("job_id", j.ID),
				slog.Any("recover", rec))
			s.finalizeFailure(ctx, j, fmt.Sprintf("internal error: panic: %v", rec))
		}
	}()

	j.AttemptsMade++
	j.StartedAt = time.Now().UTC()
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = s.cfg.MaxAttempts
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go s.renewLease(renewCtx, j.ID)

	s.log.Info("job started",
		slog.String("job_id", j.ID),
		slog.String("tool", j.Tool),
		slog.String("batch_id", j.BatchID),
		slog.Int("attempt", j.AttemptsMade),
		slog.Int("max_attempts", j.MaxAttempts))

	tool, ok := s.reg.Lookup(j.Tool)
	if !ok {
		s.finalizeFailure(ctx, j, "unknown tool: "+j.Tool)
		return
	}
	if valid, missing := s.reg.Validate(j.Tool, j.Params); !valid {
		s.finalizeFailure(ctx, j, "missing required params: "+strings.Join(missing, ", "))
		return
	}

	data, err := s.downstream.Do(ctx, domain.DownstreamRequest{
		Method: tool.Method,
		Path:   tool.Endpoint,
		Body:   j.Params,
	})
	if err != nil {
		s.handleFailure(ctx, j, err)
		return
	}

	j.FinishedAt = time.Now().UTC()
	rec := domain.ResultRecord{
		JobID:      j.ID,
		RowID:      j.RowID,
		Tool:       j.Tool,
		BatchID:    j.BatchID,
		Status:     domain.JobCompleted,
		Data:       data,
		Attempts:   j.AttemptsMade,
		FinishedAt: j.FinishedAt,
		StoredAt:   time.Now().UTC(),
	}
	resultStored := true
	if err := s.store.WriteResult(ctx, rec); err != nil {
		resultStored = false
		s.log.Error("result write failed", slog.String("job_id", j.ID), slog.Any("error", err))
	}
	if err := s.store.Complete(ctx, *j); err != nil {
		s.log.Error("complete failed", slog.String("job_id", j.ID), slog.Any("error", err))
	}
	if j.BatchID != "" {
		if err := s.store.IncrBatchCompleted(ctx, j.BatchID); err != nil {
			s.log.Error("batch counter failed", slog.String("batch_id", j.BatchID), slog.Any("error", err))
		}
	}
	observability.JobsCompletedTotal.WithLabelValues(j.Tool).Inc()
	s.log.Info("job completed",
		slog.String("job_id", j.ID),
		slog.String("tool", j.Tool),
		slog.Duration("took", j.FinishedAt.Sub(j.StartedAt)))

	// The result record precedes any callback attempt; if it could not be
	// stored the callback is withheld rather than announcing an
	// unrecorded outcome.
	if resultStored {
		s.dispatchCallback(j.CallbackURL, rec)
	}
}

// handleFailure routes a downstream error to a job-level retry or a
// terminal failure. Transport-level retries already ran inside the
// downstream client; only this path consumes the job's attempt budget.
func (s *Scheduler) handleFailure(ctx context.Context, j *domain.Job, err error) {
	if domain.Retryable(err) && j.AttemptsMade < j.MaxAttempts {
		delay := s.cfg.RetryBaseDelay << (j.AttemptsMade - 1)
		j.Error = err.Error()
		if rerr := s.store.Retry(ctx, *j, delay); rerr != nil {
			s.log.Error("retry schedule failed", slog.String("job_id", j.ID), slog.Any("error", rerr))
			s.finalizeFailure(ctx, j, err.Error())
			return
		}
		observability.JobsRetriedTotal.WithLabelValues(j.Tool).Inc()
		s.log.Warn("job scheduled for retry",
			slog.String("job_id", j.ID),
			slog.String("tool", j.Tool),
			slog.Int("attempt", j.AttemptsMade),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		return
	}
	s.finalizeFailure(ctx, j, err.Error())
}

func (s *Scheduler) finalizeFailure(ctx context.Context, j *domain.Job, errMsg string) {
	j.FinishedAt = time.Now().UTC()
	j.Error = errMsg
	rec := domain.ResultRecord{
		JobID:      j.ID,
		RowID:      j.RowID,
		Tool:       j.Tool,
		BatchID:    j.BatchID,
		Status:     domain.JobFailed,
		Error:      errMsg,
		Attempts:   j.AttemptsMade,
		FinishedAt: j.FinishedAt,
		StoredAt:   time.Now().UTC(),
	}
	resultStored := true
	if err := s.store.WriteResult(ctx, rec); err != nil {
		resultStored = false
		s.log.Error("result write failed", slog.String("job_id", j.ID), slog.Any("error", err))
	}
	if err := s.store.Fail(ctx, *j); err != nil {
		s.log.Error("fail mark failed", slog.String("job_id", j.ID), slog.Any("error", err))
	}
	if j.BatchID != "" {
		if err := s.store.IncrBatchFailed(ctx, j.BatchID); err != nil {
			s.log.Error("batch counter failed", slog.String("batch_id", j.BatchID), slog.Any("error", err))
		}
	}
	observability.JobsFailedTotal.WithLabelValues(j.Tool).Inc()
	s.log.Warn("job failed terminally",
		slog.String("job_id", j.ID),
		slog.String("tool", j.Tool),
		slog.Int("attempts", j.AttemptsMade),
		slog.String("error", errMsg))

	if resultStored {
		s.dispatchCallback(j.CallbackURL, rec)
	}
}

// dispatchCallback fires delivery concurrently with the next drip tick.
// The outcome is logged and counted; it never changes the job's state.
func (s *Scheduler) dispatchCallback(url string, rec domain.ResultRecord) {
	if url == "" {
		return
	}
	s.callbackWG.Add(1)
	go func() {
		defer s.callbackWG.Done()
		out := s.callbacks.Dispatch(context.Background(), domain.CallbackDelivery{URL: url, Record: rec})
		if out.Err != nil {
			s.log.Warn("callback reported failure",
				slog.String("job_id", rec.JobID),
				slog.Int("attempts", out.Attempts),
				slog.Any("error", out.Err))
			return
		}
		s.log.Debug("callback delivered",
			slog.String("job_id", rec.JobID),
			slog.Int("attempts", out.Attempts))
	}()
}

func (s *Scheduler) renewLease(ctx context.Context, jobID string) {
	t := time.NewTicker(s.cfg.LeaseRenewInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.store.RenewLease(ctx, jobID); err != nil {
				s.log.Warn("lease renewal failed", slog.String("job_id", jobID), slog.Any("error", err))
				return
			}
		}
	}
}
