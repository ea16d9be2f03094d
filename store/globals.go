package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/google/uuid"
)

// Globals is the single-row deployment identity: the object-store prefix,
// the bearer token workers present on callback routes, the counter shard
// fan-out and the per-job attempt budget.
type Globals struct {
	InstanceID     string
	InternalToken  string
	NTokens        int
	MaxJobAttempts int
}

// EnsureGlobals inserts the globals row on first boot and returns it.
func (s *Store) EnsureGlobals(ctx context.Context) (Globals, error) {
	g, err := s.GetGlobals(ctx)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Globals{}, err
	}

	instanceID := strings.ReplaceAll(uuid.NewString(), "-", "")
	internalToken := strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = s.db.Exec(ctx,
		`INSERT INTO globals (instance_id, internal_token) VALUES ($1, $2)`,
		instanceID, internalToken)
	if err != nil {
		return Globals{}, err
	}
	s.logger.Info().LogActivity("initialized deployment globals", map[string]any{
		"instance_id": instanceID,
	})
	return s.GetGlobals(ctx)
}

// GetGlobals reads the globals row.
func (s *Store) GetGlobals(ctx context.Context) (Globals, error) {
	var g Globals
	err := s.db.QueryRow(ctx,
		`SELECT instance_id, internal_token, n_tokens, max_job_attempts FROM globals`).
		Scan(&g.InstanceID, &g.InternalToken, &g.NTokens, &g.MaxJobAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return Globals{}, ErrNotFound
	}
	return g, err
}

// GetCostRate returns the billing rate for compute, in dollars per
// mcpu-millisecond.
func (s *Store) GetCostRate(ctx context.Context) (float64, error) {
	var rate float64
	err := s.db.QueryRow(ctx,
		`SELECT rate FROM resources WHERE resource = 'compute/mcpu-msec'`).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return rate, err
}

// BillingProject is a row of billing_projects plus cost accrued by its
// batches.
type BillingProject struct {
	Name      string
	Status    string
	LimitCost *float64
	Accrued   float64
}

// GetBillingProject loads a billing project and its accrued cost, checking
// that userName is a member. Returns ErrForbidden for non-members and
// ErrNotFound for unknown projects.
func (s *Store) GetBillingProject(ctx context.Context, name, userName string) (BillingProject, error) {
	rate, err := s.GetCostRate(ctx)
	if err != nil {
		return BillingProject{}, err
	}

	var bp BillingProject
	var msecMcpu int64
	err = s.db.QueryRow(ctx, `
SELECT bp.name, bp.status, bp.limit_cost,
       COALESCE((SELECT SUM(msec_mcpu) FROM batches WHERE billing_project = bp.name), 0)
FROM billing_projects bp
WHERE bp.name = $1`,
		name).Scan(&bp.Name, &bp.Status, &bp.LimitCost, &msecMcpu)
	if errors.Is(err, pgx.ErrNoRows) {
		return BillingProject{}, ErrNotFound
	}
	if err != nil {
		return BillingProject{}, err
	}
	bp.Accrued = float64(msecMcpu) * rate

	var member bool
	err = s.db.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM billing_project_users
    WHERE billing_project = $1 AND user_name = $2)`,
		name, userName).Scan(&member)
	if err != nil {
		return BillingProject{}, err
	}
	if !member {
		return BillingProject{}, ErrForbidden
	}
	return bp, nil
}

// CreateBillingProject inserts a project and its initial member set.
func (s *Store) CreateBillingProject(ctx context.Context, name string, limitCost *float64, users []string) error {
	return s.RunTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO billing_projects (name, limit_cost) VALUES ($1, $2)`,
			name, limitCost)
		if err != nil {
			if IsUniqueViolation(err) {
				return Validationf("billing project %q already exists", name)
			}
			return err
		}
		for _, u := range users {
			_, err := tx.Exec(ctx,
				`INSERT INTO billing_project_users (billing_project, user_name) VALUES ($1, $2)`,
				name, u)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
