package apps

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresRegistry resolves apps from a beamd_apps table. Schema:
//
//	CREATE TABLE beamd_apps (
//	    id                      text PRIMARY KEY,
//	    key                     text UNIQUE NOT NULL,
//	    secret                  text NOT NULL,
//	    name                    text NOT NULL DEFAULT '',
//	    capacity                integer,
//	    client_messages_enabled boolean NOT NULL DEFAULT false,
//	    statistics_enabled      boolean NOT NULL DEFAULT true,
//	    allowed_origins         text[] NOT NULL DEFAULT '{}'
//	);
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

const appColumns = `id, key, secret, name, capacity, client_messages_enabled, statistics_enabled, allowed_origins`

func scanApp(row interface{ Scan(...any) error }) (*App, error) {
	var (
		app      App
		capacity sql.NullInt64
		origins  pq.StringArray
	)
	err := row.Scan(&app.ID, &app.Key, &app.Secret, &app.Name,
		&capacity, &app.ClientMessagesEnabled, &app.StatisticsEnabled, &origins)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan app row: %w", err)
	}
	if capacity.Valid {
		c := int(capacity.Int64)
		app.Capacity = &c
	}
	app.AllowedOrigins = origins
	return &app, nil
}

func (r *PostgresRegistry) findBy(ctx context.Context, column, value string) (*App, error) {
	query := fmt.Sprintf(`SELECT %s FROM beamd_apps WHERE %s = $1`, appColumns, column)
	return scanApp(r.db.QueryRowContext(ctx, query, value))
}

func (r *PostgresRegistry) FindByID(ctx context.Context, id string) (*App, error) {
	return r.findBy(ctx, "id", id)
}

func (r *PostgresRegistry) FindByKey(ctx context.Context, key string) (*App, error) {
	return r.findBy(ctx, "key", key)
}

func (r *PostgresRegistry) FindBySecret(ctx context.Context, secret string) (*App, error) {
	return r.findBy(ctx, "secret", secret)
}

func (r *PostgresRegistry) All(ctx context.Context) ([]*App, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+appColumns+` FROM beamd_apps ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query apps: %w", err)
	}
	defer rows.Close()

	var out []*App
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) Create(ctx context.Context, app App) error {
	var capacity sql.NullInt64
	if app.Capacity != nil {
		capacity = sql.NullInt64{Int64: int64(*app.Capacity), Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO beamd_apps (`+appColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		app.ID, app.Key, app.Secret, app.Name, capacity,
		app.ClientMessagesEnabled, app.StatisticsEnabled, pq.Array(app.AllowedOrigins))
	if err != nil {
		return fmt.Errorf("insert app: %w", err)
	}
	return nil
}
