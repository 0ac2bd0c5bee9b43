package worker

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/commandrunner/pkg/command"
	"github.com/wisbric/commandrunner/pkg/entity"
	"github.com/wisbric/commandrunner/pkg/tenant"
)

// PostgresStoreFactory opens a CommandStore/EntityStore pair bound to a
// single connection acquired from pool and pinned to the tenant's schema,
// the same acquire/SET search_path/release shape as
// pkg/escalation/engine.go's processTenant.
type PostgresStoreFactory struct {
	pool *pgxpool.Pool
}

// NewPostgresStoreFactory returns a StoreFactory backed by pool.
func NewPostgresStoreFactory(pool *pgxpool.Pool) *PostgresStoreFactory {
	return &PostgresStoreFactory{pool: pool}
}

// Open acquires a connection, sets its search_path to t's schema, and
// returns stores bound to that connection. The returned release func must
// be called exactly once to return the connection to the pool.
func (f *PostgresStoreFactory) Open(ctx context.Context, t tenant.Info) (command.Store, entity.Store, func(), error) {
	if !tenant.ValidSlug(t.Slug) {
		return nil, nil, nil, fmt.Errorf("tenant %q: invalid slug", t.Slug)
	}

	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("acquiring connection for tenant %s: %w", t.Slug, err)
	}

	schema := tenant.SchemaName(t.Slug)
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		conn.Release()
		return nil, nil, nil, fmt.Errorf("setting search_path for tenant %s: %w", t.Slug, err)
	}

	cmdStore := command.NewPostgresStore(conn)
	entStore := entity.NewPostgresStore(conn)
	release := func() { conn.Release() }
	return cmdStore, entStore, release, nil
}
