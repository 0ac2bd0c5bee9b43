package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the narrow slice of pgx this store needs. Both *pgxpool.Pool and
// *pgxpool.Conn satisfy it; see command.DB for why a single acquired
// connection matters here.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is the production Store, scoped to one tenant's
// PostgreSQL schema.
type PostgresStore struct {
	db DB
}

// NewPostgresStore returns a Store backed by db. db must already have its
// search_path set to the owning tenant's schema.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entityColumns = `id, type, data_blob, tenant_id, user_id, source, deleted_at, created_at, updated_at`

func scanEntity(row pgx.Row) (Entity, error) {
	var e Entity
	err := row.Scan(
		&e.ID, &e.Type, &e.DataBlob, &e.Metadata.TenantID, &e.Metadata.UserID, &e.Metadata.Source,
		&e.DeletedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func (s *PostgresStore) Upsert(ctx context.Context, in UpsertInput) (Entity, error) {
	blob, err := json.Marshal(in.Data)
	if err != nil {
		return Entity{}, fmt.Errorf("marshaling entity data: %w", err)
	}

	id := uuid.New()
	if in.ID != nil {
		id = *in.ID
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO entities (id, type, data_blob, tenant_id, user_id, source, deleted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			data_blob = excluded.data_blob,
			tenant_id = excluded.tenant_id,
			user_id = excluded.user_id,
			source = excluded.source,
			deleted_at = NULL,
			updated_at = now()
		RETURNING `+entityColumns,
		id, in.Type, blob, in.Metadata.TenantID, in.Metadata.UserID, in.Metadata.Source,
	)
	e, err := scanEntity(row)
	if err != nil {
		return Entity{}, fmt.Errorf("upserting entity %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) BulkInsert(ctx context.Context, items []UpsertInput) ([]uuid.UUID, error) {
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin bulk insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]uuid.UUID, 0, len(items))
	for _, in := range items {
		blob, err := json.Marshal(in.Data)
		if err != nil {
			return nil, fmt.Errorf("marshaling entity data: %w", err)
		}
		id := uuid.New()
		if in.ID != nil {
			id = *in.ID
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO entities (id, type, data_blob, tenant_id, user_id, source, deleted_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULL, now(), now())
			ON CONFLICT (id) DO UPDATE SET
				type = excluded.type, data_blob = excluded.data_blob,
				tenant_id = excluded.tenant_id, user_id = excluded.user_id,
				source = excluded.source, deleted_at = NULL, updated_at = now()`,
			id, in.Type, blob, in.Metadata.TenantID, in.Metadata.UserID, in.Metadata.Source,
		)
		if err != nil {
			return nil, fmt.Errorf("bulk inserting entity %s: %w", id, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing bulk insert: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, typ *string, data map[string]any, meta Metadata) (Entity, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return Entity{}, fmt.Errorf("marshaling entity data: %w", err)
	}

	row := s.db.QueryRow(ctx, `
		UPDATE entities SET
			type = COALESCE($2, type),
			data_blob = $3,
			tenant_id = $4, user_id = $5, source = $6,
			updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+entityColumns,
		id, typ, blob, meta.TenantID, meta.UserID, meta.Source,
	)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("updating entity %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, id uuid.UUID) (Entity, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE entities SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+entityColumns,
		id, time.Now().UTC(),
	)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("soft-deleting entity %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) GetRaw(ctx context.Context, ids []uuid.UUID, types []string) ([]Entity, error) {
	where := []string{"deleted_at IS NULL"}
	args := []any{}

	if len(ids) > 0 {
		args = append(args, ids)
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if len(types) > 0 {
		args = append(args, types)
		where = append(where, fmt.Sprintf("type = ANY($%d)", len(args)))
	}

	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(where, " AND ")
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity rows: %w", err)
	}
	return out, nil
}
