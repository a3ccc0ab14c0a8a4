// Package store is the persistence and reader layer: typed accessors over
// two logical Postgres-backed stores, historical (append-only reference data
// and embeddings) and runtime (engine outputs and the control plane), with
// no cross-store transactional coupling between them.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Clock is injected everywhere wall-clock time is needed so tests stay
// deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// OpenPool opens a pgx connection pool against dsn, pinging once so
// misconfiguration fails fast at startup rather than on first query.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pool: %w", err)
	}
	return pool, nil
}

// Stores bundles the two logical stores plus the clock every engine needs,
// so cmd/engine can build one value and pass it to every constructor.
type Stores struct {
	Historical *HistoricalStore
	Runtime    *RuntimeStore
	Clock      Clock
}

// NewStores wires both pools behind their typed stores.
func NewStores(logger *zap.Logger, historicalPool, runtimePool *pgxpool.Pool, clock Clock) *Stores {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Stores{
		Historical: NewHistoricalStore(logger, historicalPool),
		Runtime:    NewRuntimeStore(logger, runtimePool, clock),
		Clock:      clock,
	}
}
