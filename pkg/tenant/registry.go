package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Registry is the TenantRegistry port: it enumerates known tenants. The
// Worker asks it for the tenant list on every tick and builds a
// schema-scoped CommandStore/EntityStore for each entry returned.
type Registry interface {
	List(ctx context.Context) ([]Info, error)
}

// PostgresRegistry is the production Registry, backed by the global
// "tenants" table in the public schema.
type PostgresRegistry struct {
	db *pgxpool.Pool
}

// NewPostgresRegistry returns a Registry backed by db.
func NewPostgresRegistry(db *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// List returns every known tenant, ordered by slug so that repeated ticks
// visit tenants in a stable order (spec.md §4.4: "claims in registry
// order").
func (r *PostgresRegistry) List(ctx context.Context) ([]Info, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, slug FROM tenants ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var id uuid.UUID
		var name, slug string
		if err := rows.Scan(&id, &name, &slug); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		out = append(out, Info{
			ID:     id,
			Name:   name,
			Slug:   slug,
			Schema: SchemaName(slug),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant rows: %w", err)
	}
	return out, nil
}
