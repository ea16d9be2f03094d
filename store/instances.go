package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/remiges-tech/batchserv/batch"
)

// InstanceRow is the durable mirror of one worker VM, reloaded into the
// in-memory registry on startup.
type InstanceRow struct {
	Name               string
	Pool               string
	IPAddress          *string
	State              batch.InstanceState
	CoresMcpu          int
	FailedRequestCount int
	LastHeartbeat      *int64
	TimeCreated        int64
}

// InsertInstance records a new worker VM.
func (s *Store) InsertInstance(ctx context.Context, name, pool string, coresMcpu int) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO instances (name, pool, cores_mcpu, time_created)
VALUES ($1, $2, $3, $4)`,
		name, pool, coresMcpu, batch.TimeMsecs())
	if IsUniqueViolation(err) {
		return Validationf("instance %q already exists", name)
	}
	return err
}

// ActivateInstance moves an instance to active and records its address.
func (s *Store) ActivateInstance(ctx context.Context, name, ipAddress string) error {
	return s.setInstanceState(ctx, name, batch.InstanceStateActive, &ipAddress)
}

// DeactivateInstance moves an instance to inactive; it receives no further
// dispatch.
func (s *Store) DeactivateInstance(ctx context.Context, name string) error {
	return s.setInstanceState(ctx, name, batch.InstanceStateInactive, nil)
}

// MarkInstanceDeleted moves an instance to its terminal state.
func (s *Store) MarkInstanceDeleted(ctx context.Context, name string) error {
	return s.setInstanceState(ctx, name, batch.InstanceStateDeleted, nil)
}

func (s *Store) setInstanceState(ctx context.Context, name string, state batch.InstanceState, ipAddress *string) error {
	var err error
	if ipAddress != nil {
		_, err = s.db.Exec(ctx, `
UPDATE instances SET state = $2, ip_address = $3 WHERE name = $1`, name, state, *ipAddress)
	} else {
		_, err = s.db.Exec(ctx, `
UPDATE instances SET state = $2 WHERE name = $1`, name, state)
	}
	return err
}

// TouchInstance records a heartbeat and clears the failure counter.
func (s *Store) TouchInstance(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx, `
UPDATE instances SET last_heartbeat = $2, failed_request_count = 0 WHERE name = $1`,
		name, batch.TimeMsecs())
	return err
}

// BumpInstanceFailures increments the failure counter and returns the new
// count.
func (s *Store) BumpInstanceFailures(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
UPDATE instances SET failed_request_count = failed_request_count + 1
WHERE name = $1
RETURNING failed_request_count`, name).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return n, err
}

// ListInstances returns every instance not yet deleted.
func (s *Store) ListInstances(ctx context.Context) ([]InstanceRow, error) {
	rows, err := s.db.Query(ctx, `
SELECT name, pool, ip_address, state, cores_mcpu, failed_request_count,
       last_heartbeat, time_created
FROM instances
WHERE state <> 'deleted'
ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstanceRow
	for rows.Next() {
		var r InstanceRow
		if err := rows.Scan(&r.Name, &r.Pool, &r.IPAddress, &r.State, &r.CoresMcpu,
			&r.FailedRequestCount, &r.LastHeartbeat, &r.TimeCreated); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
