// Package jobindex keeps a denormalized per-user listing of scan jobs in
// Redis so that job lists can be served without touching Postgres.
package jobindex

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scangate/scangate/internal/db"
	"github.com/scangate/scangate/internal/logging"
	"github.com/scangate/scangate/internal/scanner"
)

const keyPrefix = "scangate"

// Entry is one indexed job.
type Entry struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	BatchID   string            `json:"batchId,omitempty"`
	Kind      scanner.Kind      `json:"type"`
	Target    string            `json:"target"`
	Status    scanner.JobStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// FromJob builds an index entry from a job record.
func FromJob(job *db.Job) Entry {
	e := Entry{
		ID:        job.ID,
		UserID:    job.UserID,
		Kind:      job.Kind,
		Target:    job.Target,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}
	if job.BatchID != nil {
		e.BatchID = *job.BatchID
	}
	return e
}

// Index is the job listing store. Callers treat every error as best-effort.
type Index interface {
	Put(ctx context.Context, entries ...Entry) error
	UpdateStatus(ctx context.Context, id string, status scanner.JobStatus) error
	List(ctx context.Context, userID string, limit int) ([]Entry, error)
}

// Redis is an Index backed by a sorted set per user and a hash per job.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// Connect parses the URL, pings the server and returns the index.
func Connect(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, ttl), nil
}

// New wraps an existing client.
func New(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		ttl:    ttl,
		logger: logging.Component("jobindex"),
	}
}

func userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s:jobs", keyPrefix, userID)
}

func jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", keyPrefix, id)
}

// Put writes the entries and adds them to their owners' listings.
func (r *Redis) Put(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	for _, e := range entries {
		key := jobKey(e.ID)
		pipe.HSet(ctx, key,
			"id", e.ID,
			"user_id", e.UserID,
			"batch_id", e.BatchID,
			"kind", string(e.Kind),
			"target", e.Target,
			"status", string(e.Status),
			"created_at", strconv.FormatInt(e.CreatedAt.UnixMilli(), 10),
		)
		pipe.ZAdd(ctx, userKey(e.UserID), redis.Z{
			Score:  float64(e.CreatedAt.UnixMilli()),
			Member: e.ID,
		})
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
			pipe.Expire(ctx, userKey(e.UserID), r.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index jobs: %w", err)
	}
	return nil
}

// UpdateStatus rewrites the status of an indexed job. Jobs that were never
// indexed are ignored.
func (r *Redis) UpdateStatus(ctx context.Context, id string, status scanner.JobStatus) error {
	key := jobKey(id)

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to look up indexed job: %w", err)
	}
	if n == 0 {
		r.logger.Debug("Job not indexed, skipping status update", "scan_id", id)
		return nil
	}

	if err := r.client.HSet(ctx, key, "status", string(status)).Err(); err != nil {
		return fmt.Errorf("failed to update indexed job: %w", err)
	}
	return nil
}

// List returns the newest jobs of a user. Members whose hash expired are
// dropped from the listing.
func (r *Redis) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	ids, err := r.client.ZRevRange(ctx, userKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list indexed jobs: %w", err)
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read indexed jobs: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		entries = append(entries, entryFromHash(fields))
	}

	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, userKey(userID), stale...).Err(); err != nil {
			r.logger.Warn("Failed to prune expired index members", "user_id", userID, "error", err)
		}
	}
	return entries, nil
}

// Ping checks the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func entryFromHash(fields map[string]string) Entry {
	e := Entry{
		ID:      fields["id"],
		UserID:  fields["user_id"],
		BatchID: fields["batch_id"],
		Kind:    scanner.Kind(fields["kind"]),
		Target:  fields["target"],
		Status:  scanner.JobStatus(fields["status"]),
	}
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		e.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return e
}

// Noop is used when Redis is not configured.
type Noop struct{}

// Put implements Index.
func (Noop) Put(context.Context, ...Entry) error { return nil }

// UpdateStatus implements Index.
func (Noop) UpdateStatus(context.Context, string, scanner.JobStatus) error { return nil }

// List implements Index. It always returns no entries so callers fall back
// to the database.
func (Noop) List(context.Context, string, int) ([]Entry, error) { return nil, nil }

var (
	_ Index = (*Redis)(nil)
	_ Index = Noop{}
)
