package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/scrapeworks/dripfeed/internal/adapter/observability"
	"github.com/scrapeworks/dripfeed/internal/config"
	"github.com/scrapeworks/dripfeed/internal/domain"
	"github.com/scrapeworks/dripfeed/internal/registry"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Store      domain.Store
	Registry   *registry.Registry
	StoreCheck func(ctx context.Context) error
}

// NewServer constructs the ingress server with all dependencies wired.
func NewServer(cfg config.Config, store domain.Store, reg *registry.Registry, storeCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Store: store, Registry: reg, StoreCheck: storeCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type batchRecord struct {
	RowID  string         `json:"row_id"`
	Params map[string]any `json:"params"`
}

type batchRequest struct {
	Tool        string        `json:"tool" validate:"required"`
	Records     []batchRecord `json:"records" validate:"required"`
	CallbackURL string        `json:"callback_url" validate:"omitempty,url"`
	Priority    int           `json:"priority" validate:"omitempty,min=1,max=10"`
}

type batchResponse struct {
	Success                    bool   `json:"success"`
	BatchID                    string `json:"batch_id"`
	JobsQueued                 int    `json:"jobs_queued"`
	EstimatedCompletionSeconds int64  `json:"estimated_completion_seconds"`
	StatusURL                  string `json:"status_url"`
}

type singleRequest struct {
	Tool        string         `json:"tool" validate:"required"`
	Params      map[string]any `json:"params" validate:"required"`
	RowID       string         `json:"row_id"`
	CallbackURL string         `json:"callback_url" validate:"omitempty,url"`
	Priority    int            `json:"priority" validate:"omitempty,min=1,max=10"`
}

type singleResponse struct {
	Success              bool   `json:"success"`
	JobID                string `json:"job_id"`
	RowID                string `json:"row_id"`
	Position             int64  `json:"position"`
	EstimatedWaitSeconds int64  `json:"estimated_wait_seconds"`
}

const defaultPriority = 5

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// checkTool rejects an unregistered tool name with a 400 listing the
// catalog so callers can self-correct. The body is flat rather than the
// usual error envelope: clients script against "error" and
// "available_tools" at the top level.
func (s *Server) checkTool(w http.ResponseWriter, _ *http.Request, name string) bool {
	if _, ok := s.Registry.Lookup(name); !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":           "Unknown tool: " + name,
			"available_tools": s.Registry.Names(),
		})
		return false
	}
	return true
}

// BatchHandler accepts a burst of records for one tool and enqueues them
// behind a fresh batch id.
func (s *Server) BatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if err := s.decode(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !s.checkTool(w, r, req.Tool) {
			return
		}
		if n := len(req.Records); n == 0 || n > s.Cfg.MaxBatchSize {
			writeError(w, r, fmt.Errorf("%w: records must contain 1..%d entries, got %d",
				domain.ErrInvalidArgument, s.Cfg.MaxBatchSize, n), nil)
			return
		}
		priority := req.Priority
		if priority == 0 {
			priority = defaultPriority
		}

		batchID := "batch_" + shortID()
		now := time.Now().UTC()
		jobs := make([]domain.Job, 0, len(req.Records))
		for i, rec := range req.Records {
			rowID := rec.RowID
			if rowID == "" {
				rowID = fmt.Sprintf("%s_%d", batchID, i)
			}
			jobs = append(jobs, domain.Job{
				ID:          NewID(),
				Tool:        req.Tool,
				Params:      rec.Params,
				RowID:       rowID,
				BatchID:     batchID,
				CallbackURL: req.CallbackURL,
				Priority:    priority,
				MaxAttempts: s.Cfg.MaxJobAttempts,
				EnqueuedAt:  now,
			})
		}

		ctx := r.Context()
		if err := s.Store.CreateBatch(ctx, domain.Batch{
			BatchID:   batchID,
			Tool:      req.Tool,
			CreatedAt: now,
			Total:     int64(len(jobs)),
		}); err != nil {
			writeError(w, r, fmt.Errorf("%w: create batch: %v", domain.ErrStore, err), nil)
			return
		}
		if err := s.Store.PushBulk(ctx, jobs); err != nil {
			writeError(w, r, fmt.Errorf("%w: enqueue batch: %v", domain.ErrStore, err), nil)
			return
		}
		for range jobs {
			observability.JobsEnqueuedTotal.WithLabelValues(req.Tool).Inc()
		}
		LoggerFrom(r).Info("batch accepted",
			slog.String("batch_id", batchID),
			slog.String("tool", req.Tool),
			slog.Int("jobs", len(jobs)))

		writeJSON(w, http.StatusAccepted, batchResponse{
			Success:                    true,
			BatchID:                    batchID,
			JobsQueued:                 len(jobs),
			EstimatedCompletionSeconds: s.estimateSeconds(int64(len(jobs))),
			StatusURL:                  "/api/status/" + batchID,
		})
	}
}

// SingleHandler enqueues one job outside any batch.
func (s *Server) SingleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req singleRequest
		if err := s.decode(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !s.checkTool(w, r, req.Tool) {
			return
		}
		priority := req.Priority
		if priority == 0 {
			priority = defaultPriority
		}
		rowID := req.RowID
		if rowID == "" {
			rowID = "single_" + shortID()
		}

		ctx := r.Context()
		// Position is a snapshot estimate; a concurrent claim can shift it
		// by one.
		stats, err := s.Store.Stats(ctx)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: stats: %v", domain.ErrStore, err), nil)
			return
		}
		job := domain.Job{
			ID:          NewID(),
			Tool:        req.Tool,
			Params:      req.Params,
			RowID:       rowID,
			CallbackURL: req.CallbackURL,
			Priority:    priority,
			MaxAttempts: s.Cfg.MaxJobAttempts,
			EnqueuedAt:  time.Now().UTC(),
		}
		if err := s.Store.PushOne(ctx, job); err != nil {
			writeError(w, r, fmt.Errorf("%w: enqueue: %v", domain.ErrStore, err), nil)
			return
		}
		observability.JobsEnqueuedTotal.WithLabelValues(req.Tool).Inc()
		position := stats.Waiting + stats.Active + 1
		LoggerFrom(r).Info("job accepted",
			slog.String("job_id", job.ID),
			slog.String("tool", req.Tool),
			slog.Int64("position", position))

		writeJSON(w, http.StatusAccepted, singleResponse{
			Success:              true,
			JobID:                job.ID,
			RowID:                rowID,
			Position:             position,
			EstimatedWaitSeconds: s.estimateSeconds(position),
		})
	}
}

// StatusHandler reports batch counters and, on request, the batch's stored
// result records.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchID")
		b, err := s.Store.GetBatch(r.Context(), batchID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := map[string]any{
			"batch_id":   b.BatchID,
			"tool":       b.Tool,
			"created_at": b.CreatedAt.Format(time.RFC3339),
			"total":      b.Total,
			"completed":  b.Completed,
			"failed":     b.Failed,
			"pending":    b.Pending(),
			"done":       b.Pending() == 0,
		}
		if r.URL.Query().Get("results") == "true" {
			limit := 100
			if v := r.URL.Query().Get("limit"); v != "" {
				if n, err := strconv.Atoi(v); err == nil && n > 0 {
					limit = n
				}
			}
			results, err := s.Store.ResultsByBatch(r.Context(), batchID, limit)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: results: %v", domain.ErrStore, err), nil)
				return
			}
			resp["results"] = results
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ToolsHandler serves the static tool catalog.
func (s *Server) ToolsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		names := s.Registry.Names()
		writeJSON(w, http.StatusOK, map[string]any{
			"tools":       names,
			"by_category": s.Registry.ByCategory(),
			"total":       len(names),
		})
	}
}

// StatsHandler reports queue populations plus the effective drip settings.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Store.Stats(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: stats: %v", domain.ErrStore, err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"queue": stats,
			"config": map[string]any{
				"drip_interval_ms": s.Cfg.DripInterval().Milliseconds(),
				"max_job_attempts": s.Cfg.MaxJobAttempts,
				"max_batch_size":   s.Cfg.MaxBatchSize,
			},
			"estimated_drain_time_seconds": s.estimateSeconds(stats.Waiting + stats.Active + stats.Delayed),
		})
	}
}

// HealthHandler reports 200 when the store answers, 503 otherwise.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.StoreCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"store":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// estimateSeconds converts a queue depth into wall-clock seconds at the
// configured drip rate, rounded up.
func (s *Server) estimateSeconds(n int64) int64 {
	if n <= 0 {
		return 0
	}
	ms := n * s.Cfg.DripInterval().Milliseconds()
	return (ms + 999) / 1000
}
