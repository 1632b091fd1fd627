// Package redisstore implements the durable job store on Redis.
//
// Layout (under a configurable prefix):
//
//	{p}:jobs:waiting    ZSET  job ids scored by priority+arrival order
//	{p}:jobs:active     ZSET  claimed job ids scored by lease deadline
//	{p}:jobs:delayed    ZSET  retrying job ids scored by ready-at time
//	{p}:jobs:completed  ZSET  retained terminal ids scored by finish time
//	{p}:jobs:failed     ZSET  retained terminal ids scored by finish time
//	{p}:job:{id}        HASH  data (JSON record), score (waiting score)
//	{p}:batch:{id}      HASH  total/completed/failed/created_at/tool
//	{p}:result:{id}[:{batch}]  STRING JSON result record with TTL
//
// Claiming is a Lua script so that lease-expiry requeue, delayed promotion
// and the head pop are atomic with respect to each other.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scrapeworks/dripfeed/internal/config"
	"github.com/scrapeworks/dripfeed/internal/domain"
)

// Options tune key naming, lease and retention behavior.
type Options struct {
	Prefix               string
	Lease                time.Duration
	PollInterval         time.Duration
	ResultTTL            time.Duration
	BatchTTL             time.Duration
	CompletedRetainCount int
	CompletedRetainAge   time.Duration
	FailedRetainCount    int
	FailedRetainAge      time.Duration
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "dripfeed"
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = 24 * time.Hour
	}
	if o.BatchTTL <= 0 {
		o.BatchTTL = 48 * time.Hour
	}
	if o.CompletedRetainCount <= 0 {
		o.CompletedRetainCount = 1000
	}
	if o.CompletedRetainAge <= 0 {
		o.CompletedRetainAge = 24 * time.Hour
	}
	if o.FailedRetainCount <= 0 {
		o.FailedRetainCount = 500
	}
	if o.FailedRetainAge <= 0 {
		o.FailedRetainAge = 7 * 24 * time.Hour
	}
}

// OptionsFromConfig derives store options from application configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Prefix:               cfg.KeyPrefix,
		Lease:                cfg.JobLease(),
		ResultTTL:            cfg.ResultTTL(),
		BatchTTL:             cfg.BatchTTL(),
		CompletedRetainCount: cfg.CompletedRetainCount,
		CompletedRetainAge:   time.Duration(cfg.CompletedRetainHours) * time.Hour,
		FailedRetainCount:    cfg.FailedRetainCount,
		FailedRetainAge:      time.Duration(cfg.FailedRetainHours) * time.Hour,
	}
}

// Store is the Redis-backed durable job store.
type Store struct {
	client *redis.Client
	opts   Options
	claim  *redis.Script
}

// claimScript requeues stalled leases, promotes due delayed jobs, then pops
// the waiting head into the active set under a fresh lease.
const claimScript = `
local waiting = KEYS[1]
local active = KEYS[2]
local delayed = KEYS[3]
local now = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
local jobPrefix = ARGV[3]

local expired = redis.call("ZRANGEBYSCORE", active, "-inf", now)
for _, id in ipairs(expired) do
  redis.call("ZREM", active, id)
  local score = redis.call("HGET", jobPrefix .. id, "score")
  if score then
    redis.call("ZADD", waiting, tonumber(score), id)
  end
end

local due = redis.call("ZRANGEBYSCORE", delayed, "-inf", now)
for _, id in ipairs(due) do
  redis.call("ZREM", delayed, id)
  local score = redis.call("HGET", jobPrefix .. id, "score")
  if score then
    redis.call("ZADD", waiting, tonumber(score), id)
  end
end

local head = redis.call("ZRANGE", waiting, 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
redis.call("ZREM", waiting, id)
redis.call("ZADD", active, now + lease, id)
return redis.call("HGET", jobPrefix .. id, "data")
`

// New wraps an existing Redis client.
func New(client *redis.Client, opts Options) *Store {
	opts.setDefaults()
	return &Store{client: client, opts: opts, claim: redis.NewScript(claimScript)}
}

// NewFromURL connects to the store at the given Redis URL.
func NewFromURL(storeURL string, opts Options) (*Store, error) {
	ropts, err := redis.ParseURL(storeURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.NewFromURL: %w", err)
	}
	// Blocking claims re-poll at short intervals; modest pool is plenty.
	ropts.PoolSize = 10
	ropts.ContextTimeoutEnabled = true
	return New(redis.NewClient(ropts), opts), nil
}

func (s *Store) waitingKey() string        { return s.opts.Prefix + ":jobs:waiting" }
func (s *Store) activeKey() string         { return s.opts.Prefix + ":jobs:active" }
func (s *Store) delayedKey() string        { return s.opts.Prefix + ":jobs:delayed" }
func (s *Store) seqKey() string            { return s.opts.Prefix + ":jobs:seq" }
func (s *Store) jobPrefix() string         { return s.opts.Prefix + ":job:" }
func (s *Store) jobKey(id string) string   { return s.jobPrefix() + id }
func (s *Store) batchKey(id string) string { return s.opts.Prefix + ":batch:" + id }
func (s *Store) retainedKey(status domain.JobStatus) string {
	return s.opts.Prefix + ":jobs:" + string(status)
}

func (s *Store) resultKey(jobID, batchID string) string {
	if batchID == "" {
		return s.opts.Prefix + ":result:" + jobID
	}
	return s.opts.Prefix + ":result:" + jobID + ":" + batchID
}

// waitingScore orders the queue by priority first, arrival second.
// Priorities occupy the high bits so a smaller priority always sorts ahead;
// both terms stay well inside float64's exact-integer range.
func waitingScore(priority int, seq int64) float64 {
	return float64(priority)*math.Exp2(40) + float64(seq)
}

// PushOne enqueues a single job.
func (s *Store) PushOne(ctx context.Context, j domain.Job) error {
	return s.PushBulk(ctx, []domain.Job{j})
}

// PushBulk enqueues jobs atomically, preserving slice order for equal
// priorities.
func (s *Store) PushBulk(ctx context.Context, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	seqEnd, err := s.client.IncrBy(ctx, s.seqKey(), int64(len(jobs))).Result()
	if err != nil {
		return fmt.Errorf("op=store.PushBulk: %w: %v", domain.ErrStore, err)
	}
	seq := seqEnd - int64(len(jobs)) + 1

	pipe := s.client.TxPipeline()
	for i := range jobs {
		j := jobs[i]
		j.Status = domain.JobWaiting
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("op=store.PushBulk: marshal job %s: %w", j.ID, err)
		}
		score := waitingScore(j.Priority, seq)
		seq++
		pipe.HSet(ctx, s.jobKey(j.ID), "data", data, "score", strconv.FormatFloat(score, 'f', -1, 64))
		pipe.ZAdd(ctx, s.waitingKey(), redis.Z{Score: score, Member: j.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=store.PushBulk: %w: %v", domain.ErrStore, err)
	}
	return nil
}

// ClaimNext pops the highest-priority waiting job into the active set under
// a lease. It blocks up to timeout, polling the claim script, and returns
// nil when no job became available.
func (s *Store) ClaimNext(ctx context.Context, timeout time.Duration) (*domain.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		j, err := s.claimOnce(ctx)
		if err != nil {
			return nil, err
		}
		if j != nil {
			return j, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := s.opts.PollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Store) claimOnce(ctx context.Context) (*domain.Job, error) {
	now := time.Now().UnixMilli()
	res, err := s.claim.Run(ctx, s.client,
		[]string{s.waitingKey(), s.activeKey(), s.delayedKey()},
		now, s.opts.Lease.Milliseconds(), s.jobPrefix(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=store.ClaimNext: %w: %v", domain.ErrStore, err)
	}
	data, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var j domain.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("op=store.ClaimNext: unmarshal: %w", err)
	}
	j.Status = domain.JobActive
	return &j, nil
}

// RenewLease extends the lease on a claimed job. Renewing a job that is no
// longer active reports not found so the holder stops treating it as owned.
func (s *Store) RenewLease(ctx context.Context, jobID string) error {
	deadline := float64(time.Now().Add(s.opts.Lease).UnixMilli())
	n, err := s.client.ZAddArgs(ctx, s.activeKey(), redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: deadline, Member: jobID}},
	}).Result()
	if err != nil {
		return fmt.Errorf("op=store.RenewLease: %w: %v", domain.ErrStore, err)
	}
	if n == 0 {
		// XX CH reports changed members; an untouched member may simply have
		// an identical deadline, so double-check membership.
		if err := s.client.ZScore(ctx, s.activeKey(), jobID).Err(); errors.Is(err, redis.Nil) {
			return fmt.Errorf("op=store.RenewLease: job %s: %w", jobID, domain.ErrNotFound)
		} else if err != nil {
			return fmt.Errorf("op=store.RenewLease: %w: %v", domain.ErrStore, err)
		}
	}
	return nil
}

// Retry releases the job from the active set and schedules it for
// re-execution after delay. The job keeps its original queue position so a
// retry cannot be starved by later arrivals of equal priority.
func (s *Store) Retry(ctx context.Context, j domain.Job, delay time.Duration) error {
	j.Status = domain.JobDelayed
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=store.Retry: marshal: %w", err)
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(j.ID), "data", data)
	pipe.ZRem(ctx, s.activeKey(), j.ID)
	pipe.ZAdd(ctx, s.delayedKey(), redis.Z{Score: readyAt, Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=store.Retry: %w: %v", domain.ErrStore, err)
	}
	return nil
}

// Complete records a terminal successful job and applies retention.
func (s *Store) Complete(ctx context.Context, j domain.Job) error {
	j.Status = domain.JobCompleted
	return s.finish(ctx, j, s.opts.CompletedRetainCount, s.opts.CompletedRetainAge)
}

// Fail records a terminal failed job and applies retention.
func (s *Store) Fail(ctx context.Context, j domain.Job) error {
	j.Status = domain.JobFailed
	return s.finish(ctx, j, s.opts.FailedRetainCount, s.opts.FailedRetainAge)
}

func (s *Store) finish(ctx context.Context, j domain.Job, retainCount int, retainAge time.Duration) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=store.finish: marshal: %w", err)
	}
	now := time.Now()
	registry := s.retainedKey(j.Status)
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.activeKey(), j.ID)
	pipe.HSet(ctx, s.jobKey(j.ID), "data", data)
	pipe.Expire(ctx, s.jobKey(j.ID), retainAge)
	pipe.ZAdd(ctx, registry, redis.Z{Score: float64(now.UnixMilli()), Member: j.ID})
	// Retention: drop entries older than the age bound, then everything
	// beyond the count bound (oldest first).
	pipe.ZRemRangeByScore(ctx, registry, "-inf", strconv.FormatInt(now.Add(-retainAge).UnixMilli(), 10))
	pipe.ZRemRangeByRank(ctx, registry, 0, int64(-(retainCount + 1)))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=store.finish: %w: %v", domain.ErrStore, err)
	}
	return nil
}

// CreateBatch initializes batch counters with the configured TTL.
func (s *Store) CreateBatch(ctx context.Context, b domain.Batch) error {
	key := s.batchKey(b.BatchID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"total", b.Total,
		"completed", int64(0),
		"failed", int64(0),
		"created_at", b.CreatedAt.UTC().Format(time.RFC3339Nano),
		"tool", b.Tool,
	)
	pipe.Expire(ctx, key, s.opts.BatchTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=store.CreateBatch: %w: %v", domain.ErrStore, err)
	}
	return nil
}

// IncrBatchCompleted atomically bumps the batch's completed counter.
func (s *Store) IncrBatchCompleted(ctx context.Context, batchID string) error {
	return s.incrBatch(ctx, batchID, "completed")
}

// IncrBatchFailed atomically bumps the batch's failed counter.
func (s *Store) IncrBatchFailed(ctx context.Context, batchID string) error {
	return s.incrBatch(ctx, batchID, "failed")
}

func (s *Store) incrBatch(ctx context.Context, batchID, field string) error {
	if err := s.client.HIncrBy(ctx, s.batchKey(batchID), field, 1).Err(); err != nil {
		return fmt.Errorf("op=store.incrBatch: %w: %v", domain.ErrStore, err)
	}
	return nil
}

// GetBatch loads batch counters; a missing or expired batch is not found.
func (s *Store) GetBatch(ctx context.Context, batchID string) (domain.Batch, error) {
	fields, err := s.client.HGetAll(ctx, s.batchKey(batchID)).Result()
	if err != nil {
		return domain.Batch{}, fmt.Errorf("op=store.GetBatch: %w: %v", domain.ErrStore, err)
	}
	if len(fields) == 0 {
		return domain.Batch{}, fmt.Errorf("op=store.GetBatch: batch %s: %w", batchID, domain.ErrNotFound)
	}
	b := domain.Batch{BatchID: batchID, Tool: fields["tool"]}
	b.Total, _ = strconv.ParseInt(fields["total"], 10, 64)
	b.Completed, _ = strconv.ParseInt(fields["completed"], 10, 64)
	b.Failed, _ = strconv.ParseInt(fields["failed"], 10, 64)
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		b.CreatedAt = t
	}
	return b, nil
}

// WriteResult stores the terminal result record under its TTL.
func (s *Store) WriteResult(ctx context.Context, r domain.ResultRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("op=store.WriteResult: marshal: %w", err)
	}
	key := s.resultKey(r.JobID, r.BatchID)
	if err := s.client.Set(ctx, key, data, s.opts.ResultTTL).Err(); err != nil {
		return fmt.Errorf("op=store.WriteResult: %w: %v", domain.ErrStore, err)
	}
	return nil
}

// ResultsByBatch enumerates stored result records for a batch, up to limit.
func (s *Store) ResultsByBatch(ctx context.Context, batchID string, limit int) ([]domain.ResultRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	pattern := s.opts.Prefix + ":result:*:" + batchID
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("op=store.ResultsByBatch: %w: %v", domain.ErrStore, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 || len(keys) >= limit {
			break
		}
	}
	if len(keys) > limit {
		keys = keys[:limit]
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("op=store.ResultsByBatch: %w: %v", domain.ErrStore, err)
	}
	out := make([]domain.ResultRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // expired between scan and fetch
		}
		var r domain.ResultRecord
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Stats reports the size of each job population.
func (s *Store) Stats(ctx context.Context) (domain.QueueStats, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.ZCard(ctx, s.waitingKey())
	active := pipe.ZCard(ctx, s.activeKey())
	delayed := pipe.ZCard(ctx, s.delayedKey())
	completed := pipe.ZCard(ctx, s.retainedKey(domain.JobCompleted))
	failed := pipe.ZCard(ctx, s.retainedKey(domain.JobFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=store.Stats: %w: %v", domain.ErrStore, err)
	}
	return domain.QueueStats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Ping checks store reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=store.Ping: %w: %v", domain.ErrStore, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

var _ domain.Store = (*Store)(nil)
