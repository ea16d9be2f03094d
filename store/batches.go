package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/remiges-tech/batchserv/batch"
)

// ListPageSize is the fixed page size of the list endpoints.
const ListPageSize = 50

const batchColumns = `
id, user_name, billing_project, userdata, attributes, callback,
n_jobs, n_completed, n_succeeded, n_failed, n_cancelled,
state, closed, cancelled, deleted, time_created, time_completed,
token, format_version, msec_mcpu`

func scanBatch(row pgx.Row) (*batch.BatchRecord, error) {
	var b batch.BatchRecord
	err := row.Scan(
		&b.ID, &b.User, &b.BillingProject, &b.UserData, &b.Attributes, &b.Callback,
		&b.NJobs, &b.NCompleted, &b.NSucceeded, &b.NFailed, &b.NCancelled,
		&b.State, &b.Closed, &b.Cancelled, &b.Deleted, &b.TimeCreated, &b.TimeCompleted,
		&b.Token, &b.FormatVersion, &b.MsecMcpu)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBatch loads a batch by id regardless of owner or deletion, for
// driver-internal paths.
func (s *Store) GetBatch(ctx context.Context, batchID int64) (*batch.BatchRecord, error) {
	return scanBatch(s.db.QueryRow(ctx,
		`SELECT`+batchColumns+` FROM batches WHERE id = $1`, batchID))
}

// GetUserBatch loads a batch for the user-facing read paths. Deleted
// batches and other users' batches read as not found.
func (s *Store) GetUserBatch(ctx context.Context, userName string, batchID int64) (*batch.BatchRecord, error) {
	return scanBatch(s.db.QueryRow(ctx,
		`SELECT`+batchColumns+` FROM batches
WHERE id = $1 AND user_name = $2 AND NOT deleted`, batchID, userName))
}

// ListBatches returns one page of the user's batches matching the query
// grammar, newest first, plus the cursor for the next page (0 when
// exhausted).
func (s *Store) ListBatches(ctx context.Context, userName, q string, lastBatchID int64) ([]*batch.BatchRecord, int64, error) {
	where, args, err := buildBatchListQuery(userName, q, lastBatchID)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT`+batchColumns+` FROM batches
WHERE `+where+`
ORDER BY id DESC
LIMIT `+strconv.Itoa(ListPageSize), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*batch.BatchRecord
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var next int64
	if len(out) == ListPageSize {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// CancelledBatchIDs returns batches flagged cancelled whose cancel fan-out
// may still have work: any job not yet terminal.
func (s *Store) CancelledBatchIDs(ctx context.Context) ([]int64, error) {
	return s.batchIDs(ctx, `
SELECT id FROM batches
WHERE cancelled AND NOT deleted AND n_completed < n_jobs
ORDER BY id`)
}

// DeletedBatchIDs returns batches flagged deleted whose cleanup has not
// finished.
func (s *Store) DeletedBatchIDs(ctx context.Context) ([]int64, error) {
	return s.batchIDs(ctx, `
SELECT id FROM batches WHERE deleted AND NOT cleaned_up ORDER BY id`)
}

// MarkBatchCleanedUp records that a deleted batch's attempts were drained
// and its object-store data removed, retiring it from the delete fan-out.
func (s *Store) MarkBatchCleanedUp(ctx context.Context, batchID int64) error {
	_, err := s.db.Exec(ctx, `
UPDATE batches SET cleaned_up = TRUE WHERE id = $1`, batchID)
	return err
}

func (s *Store) batchIDs(ctx context.Context, sql string) ([]int64, error) {
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BatchStagingCounters sums the counter shards for one (batch, pool).
type BatchStagingCounters struct {
	NJobs          int
	NReadyJobs     int
	ReadyCoresMcpu int64
}

// GetStagingCounters reads the summed staging counters for a batch and
// pool.
func (s *Store) GetStagingCounters(ctx context.Context, batchID int64, pool string) (BatchStagingCounters, error) {
	var c BatchStagingCounters
	err := s.db.QueryRow(ctx, `
SELECT COALESCE(SUM(n_jobs), 0), COALESCE(SUM(n_ready_jobs), 0), COALESCE(SUM(ready_cores_mcpu), 0)
FROM batch_pool_staging
WHERE batch_id = $1 AND pool = $2`, batchID, pool).
		Scan(&c.NJobs, &c.NReadyJobs, &c.ReadyCoresMcpu)
	return c, err
}

// ReadyCoresMcpu sums ready cores across all live batches for a pool,
// feeding the scheduler's ready-cores gauge.
func (s *Store) ReadyCoresMcpu(ctx context.Context, pool string) (int64, error) {
	var cores int64
	err := s.db.QueryRow(ctx, `
SELECT COALESCE(SUM(st.ready_cores_mcpu), 0)
FROM batch_pool_staging st
JOIN batches b ON b.id = st.batch_id
WHERE st.pool = $1 AND b.closed AND NOT b.deleted`, pool).Scan(&cores)
	return cores, err
}

