package stats

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists snapshots in a beamd_statistics table:
//
//	CREATE TABLE beamd_statistics (
//	    id                      BIGSERIAL PRIMARY KEY,
//	    app_id                  TEXT        NOT NULL,
//	    created_at              TIMESTAMPTZ NOT NULL,
//	    peak_connection_count   INTEGER     NOT NULL,
//	    websocket_message_count INTEGER     NOT NULL,
//	    api_message_count       INTEGER     NOT NULL
//	);
//	CREATE INDEX beamd_statistics_app_time ON beamd_statistics (app_id, created_at);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO beamd_statistics
			(app_id, created_at, peak_connection_count, websocket_message_count, api_message_count)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.AppID, rec.Time, rec.PeakConnectionCount, rec.WebSocketMessageCount, rec.APIMessageCount)
	return err
}

func (s *PostgresStore) ForApp(ctx context.Context, appID string, since time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_id, created_at, peak_connection_count, websocket_message_count, api_message_count
		FROM beamd_statistics
		WHERE app_id = $1 AND created_at >= $2
		ORDER BY created_at`,
		appID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.AppID, &rec.Time, &rec.PeakConnectionCount,
			&rec.WebSocketMessageCount, &rec.APIMessageCount); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM beamd_statistics WHERE created_at < $1`, olderThan)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
