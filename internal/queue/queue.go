// Package queue is the job queue (C5): durable slice-level runs with an
// idempotent, advisory-lock-serialized enqueue and an atomic SKIP LOCKED
// claim. The advisory lock usage is a direct application of a pgx feature
// already adopted for the rest of the storage layer, not a new dependency.
// The SKIP LOCKED claim has no precedent inside the reference corpus's own
// services; it is grounded on the outbox-worker lease pattern from the
// wider example set (lock the oldest ready rows, transition them, commit).
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/algomatic/ingestor/internal/db"
	"github.com/algomatic/ingestor/internal/model"
)

// Queue is the job queue.
type Queue struct {
	db     *db.Client
	logger *slog.Logger
}

// New constructs a Queue.
func New(dbc *db.Client, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: dbc, logger: logger.With("component", "queue")}
}

// Slice is one candidate [from, to] interval to enqueue for a definition.
type Slice struct {
	From time.Time
	To   time.Time
}

// IdxHash computes the idempotency hash identifying a slice uniquely
// within (symbol, timeframe).
func IdxHash(symbol string, tf model.Timeframe, from, to time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", symbol, tf, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	return hex.EncodeToString(h.Sum(nil))
}

// advisoryKey folds a (symbol, timeframe) pair into the int64 key
// pg_advisory_lock expects.
func advisoryKey(symbol string, tf model.Timeframe) int64 {
	h := sha256.Sum256([]byte(symbol + "|" + string(tf)))
	return int64(binary.BigEndian.Uint64(h[:8]))
}

// EnqueueSlices inserts one queued JobRun per slice not already present
// with the same idempotency hash in {queued, running, success}, serialized
// per (symbol, timeframe) by a session-level Postgres advisory lock held
// for the duration of the whole batch.
func (q *Queue) EnqueueSlices(ctx context.Context, defID int64, symbol string, tf model.Timeframe, kind model.JobKind, slices []Slice, triggeredBy model.Source) (int, error) {
	if len(slices) == 0 {
		return 0, nil
	}

	conn, err := q.db.Pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring connection for advisory lock: %w", err)
	}
	defer conn.Release()

	key := advisoryKey(symbol, tf)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return 0, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			q.logger.Error("releasing advisory lock", "error", err, "symbol", symbol, "timeframe", tf)
		}
	}()

	inserted := 0
	for _, sl := range slices {
		hash := IdxHash(symbol, tf, sl.From, sl.To)
		tag, err := conn.Exec(ctx,
			`INSERT INTO job_runs
				(id, job_def_id, symbol, timeframe, kind, slice_from, slice_to,
				 status, attempt, rows_written, triggered_by, idx_hash, created_at)
			 SELECT $1, $2, $3, $4, $5, $6, $7, 'queued', 0, 0, $8, $9, now()
			 WHERE NOT EXISTS (
				SELECT 1 FROM job_runs
				WHERE idx_hash = $9 AND status IN ('queued', 'running', 'success')
			 )`,
			uuid.NewString(), defID, symbol, string(tf), string(kind), sl.From, sl.To, string(triggeredBy), hash,
		)
		if err != nil {
			return inserted, fmt.Errorf("inserting slice %s..%s: %w", sl.From, sl.To, err)
		}
		if tag.RowsAffected() > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// ClaimedRun is the result of a successful claim_next.
type ClaimedRun struct {
	model.JobRun
}

// ClaimNext atomically claims the oldest queued run (optionally filtered
// by kind), transitioning it to running. Returns a nil run and a nil error
// on an empty queue, without side effects.
func (q *Queue) ClaimNext(ctx context.Context, kind *model.JobKind) (*ClaimedRun, error) {
	tx, err := q.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `SELECT id, job_def_id, symbol, timeframe, kind, slice_from, slice_to,
	                 status, attempt, rows_written, triggered_by, idx_hash, created_at
	          FROM job_runs
	          WHERE status = 'queued'`
	args := []any{}
	if kind != nil {
		query += " AND kind = $1"
		args = append(args, string(*kind))
	}
	query += " ORDER BY created_at ASC FOR UPDATE SKIP LOCKED LIMIT 1"

	var run model.JobRun
	var tfStr, kindStr, triggeredBy string
	err = tx.QueryRow(ctx, query, args...).Scan(
		&run.ID, &run.JobDefID, &run.Symbol, &tfStr, &kindStr, &run.SliceFrom, &run.SliceTo,
		&run.Status, &run.Attempt, &run.RowsWritten, &triggeredBy, &run.IdxHash, &run.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming next run: %w", err)
	}
	run.Timeframe = model.Timeframe(tfStr)
	run.Kind = model.JobKind(kindStr)
	run.TriggeredBy = model.Source(triggeredBy)

	if _, err := tx.Exec(ctx,
		`UPDATE job_runs SET status = 'running', started_at = now() WHERE id = $1`,
		run.ID,
	); err != nil {
		return nil, fmt.Errorf("transitioning run %s to running: %w", run.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	run.Status = model.StatusRunning
	return &ClaimedRun{JobRun: run}, nil
}

// Complete applies the terminal transition for runID.
func (q *Queue) Complete(ctx context.Context, runID string, status model.RunStatus, rowsWritten int, provider model.Provider, classifiedErr error) error {
	var errCode, errMsg string
	if classifiedErr != nil {
		errMsg = classifiedErr.Error()
		errCode = "error"
	}
	_, err := q.db.Pool.Exec(ctx,
		`UPDATE job_runs SET
			status = $2, rows_written = $3, provider = $4,
			error_code = $5, error_message = $6, finished_at = now()
		 WHERE id = $1`,
		runID, string(status), rowsWritten, string(provider), errCode, errMsg,
	)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", runID, err)
	}
	return nil
}

// Requeue transitions running|failed -> queued, incrementing attempt.
func (q *Queue) Requeue(ctx context.Context, runID string, reason string) error {
	tag, err := q.db.Pool.Exec(ctx,
		`UPDATE job_runs SET status = 'queued', attempt = attempt + 1, started_at = NULL
		 WHERE id = $1 AND status IN ('running', 'failed')`,
		runID,
	)
	if err != nil {
		return fmt.Errorf("requeueing run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		q.logger.Warn("requeue no-op: run not in running|failed", "run_id", runID, "reason", reason)
	}
	return nil
}

// SweepStuck marks running runs older than timeout as failed. Must not
// touch runs within the timeout window.
func (q *Queue) SweepStuck(ctx context.Context, timeout time.Duration) (int, error) {
	tag, err := q.db.Pool.Exec(ctx,
		`UPDATE job_runs SET status = 'failed', error_code = 'stuck',
			error_message = 'administrative sweep: exceeded stuck run timeout', finished_at = now()
		 WHERE status = 'running' AND started_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(timeout.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("sweeping stuck runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByIdxHash is a diagnostic helper for checking idempotent enqueue:
// the count of job_runs sharing a given idx_hash, across all statuses.
// EnqueueSlices only skips a hash held by a queued, running or successful
// run, so a hash whose earlier run failed can count more than 1.
func (q *Queue) CountByIdxHash(ctx context.Context, hash string) (int, error) {
	var n int
	if err := q.db.Pool.QueryRow(ctx, `SELECT count(*) FROM job_runs WHERE idx_hash = $1`, hash).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting idx_hash %s: %w", hash, err)
	}
	return n, nil
}
