package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/remiges-tech/logharbour/logharbour"
)

const (
	// BATCHSERV_DEADLOCK_MAXTRIES bounds the immediate-retry loop around a
	// transaction that failed with a serialization or deadlock error.
	BATCHSERV_DEADLOCK_MAXTRIES = 5

	// BATCHSERV_STATUS_CACHEDUR_SEC is how long a batch's display state is
	// cached in Redis. Terminal states are cached 100 times longer.
	BATCHSERV_STATUS_CACHEDUR_SEC = 100
)

// StoreConfig holds the store's tunables. Zero values select defaults.
type StoreConfig struct {
	DeadlockMaxTries  int
	StatusCacheDurSec int
}

// Store is the persistent authority for batches, jobs, attempts, instances
// and the per-(batch, pool) scheduling counters. All multi-row state
// changes run inside transactions via RunTx so that the scheduler and
// completion paths are race-free without application locks.
type Store struct {
	db          *pgxpool.Pool
	redisClient *redis.Client
	logger      *logharbour.Logger
	config      StoreConfig
}

// New creates a Store. redisClient may be nil; the status cache is then
// skipped and reads always hit the database.
func New(db *pgxpool.Pool, redisClient *redis.Client, logger *logharbour.Logger, config *StoreConfig) *Store {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if config == nil {
		config = &StoreConfig{}
	}
	if config.DeadlockMaxTries == 0 {
		config.DeadlockMaxTries = BATCHSERV_DEADLOCK_MAXTRIES
	}
	if config.StatusCacheDurSec == 0 {
		config.StatusCacheDurSec = BATCHSERV_STATUS_CACHEDUR_SEC
	}
	return &Store{
		db:          db,
		redisClient: redisClient,
		logger:      logger,
		config:      *config,
	}
}

// Pool exposes the underlying connection pool for read-only queries that
// do not need a transaction.
func (s *Store) Pool() *pgxpool.Pool {
	return s.db
}

// RunTx runs fn inside a transaction, committing on nil return. A
// serialization or deadlock failure retries the whole transaction
// immediately, up to the configured bound.
func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var err error
	for try := 0; try < s.config.DeadlockMaxTries; try++ {
		err = s.runTxOnce(ctx, fn)
		if err == nil || !IsDeadlock(err) {
			return err
		}
		s.logger.Warn().LogActivity("retrying transaction after deadlock", map[string]any{
			"try": try + 1,
		})
	}
	return fmt.Errorf("transaction failed after %d deadlock retries: %w", s.config.DeadlockMaxTries, err)
}

func (s *Store) runTxOnce(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetBatchStatusRedisKey returns the cache key for a batch's display state.
func GetBatchStatusRedisKey(batchID int64) string {
	return fmt.Sprintf("batch:%d:status", batchID)
}

// CachedBatchStatus returns the cached display state for a batch, or ""
// on miss or when no cache is configured.
func (s *Store) CachedBatchStatus(ctx context.Context, batchID int64) string {
	if s.redisClient == nil {
		return ""
	}
	v, err := s.redisClient.Get(ctx, GetBatchStatusRedisKey(batchID)).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Debug0().LogActivity("batch status cache read failed", map[string]any{
				"batch_id": batchID, "error": err.Error(),
			})
		}
		return ""
	}
	return v
}

// CacheBatchStatus stores a batch's display state with an expiry. Terminal
// states get a much longer expiry since they never change again.
func (s *Store) CacheBatchStatus(ctx context.Context, batchID int64, state string, terminal bool) {
	if s.redisClient == nil {
		return
	}
	expirySec := s.config.StatusCacheDurSec
	if terminal {
		expirySec = 100 * s.config.StatusCacheDurSec
	}
	expiry := time.Duration(expirySec) * time.Second
	if err := s.redisClient.Set(ctx, GetBatchStatusRedisKey(batchID), state, expiry).Err(); err != nil {
		s.logger.Debug0().LogActivity("batch status cache write failed", map[string]any{
			"batch_id": batchID, "error": err.Error(),
		})
	}
}
