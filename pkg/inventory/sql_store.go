package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vyvo/buildercloud/pkg/builder"
)

// SQLStore persists inventory records to Postgres or SQLite.
type SQLStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

// ParseDSN picks the database/sql driver for dsn. postgres:// and
// postgresql:// URLs use pgx; sqlite:// URLs and bare paths use sqlite3.
func ParseDSN(dsn string) (driver, source string) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite3", dsn
	}
}

// OpenSQLStore opens dsn and creates the schema if needed.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	driver, source := ParseDSN(dsn)
	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s inventory store: %w", driver, err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(time.Hour)
	}

	s := &SQLStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS builder_workers (
    name TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    uuid TEXT NOT NULL DEFAULT '',
    executors INTEGER NOT NULL,
    idle_ttl_seconds BIGINT NOT NULL DEFAULT 0,
    spec TEXT NOT NULL,
    state TEXT NOT NULL,
    updated_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create inventory schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type workerRow struct {
	Name           string `db:"name"`
	Label          string `db:"label"`
	UUID           string `db:"uuid"`
	Executors      int    `db:"executors"`
	IdleTTLSeconds int64  `db:"idle_ttl_seconds"`
	Spec           string `db:"spec"`
	State          string `db:"state"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	spec, err := json.Marshal(rec.Spec)
	if err != nil {
		return fmt.Errorf("encode builder spec: %w", err)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	row := workerRow{
		Name:           rec.Worker.Name,
		Label:          rec.Worker.Label,
		UUID:           rec.Worker.UUID,
		Executors:      rec.Worker.Executors,
		IdleTTLSeconds: int64(rec.Worker.IdleTTL / time.Second),
		Spec:           string(spec),
		State:          string(rec.State),
		UpdatedAt:      updated.Unix(),
	}
	query := `INSERT INTO builder_workers (name, label, uuid, executors, idle_ttl_seconds, spec, state, updated_at)
VALUES (:name, :label, :uuid, :executors, :idle_ttl_seconds, :spec, :state, :updated_at)
ON CONFLICT (name) DO UPDATE SET
    label = EXCLUDED.label,
    uuid = EXCLUDED.uuid,
    executors = EXCLUDED.executors,
    idle_ttl_seconds = EXCLUDED.idle_ttl_seconds,
    spec = EXCLUDED.spec,
    state = EXCLUDED.state,
    updated_at = EXCLUDED.updated_at`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save builder %s: %w", rec.Worker.Name, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM builder_workers WHERE name = ?`), name); err != nil {
		return fmt.Errorf("delete builder %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]Record, error) {
	var rows []workerRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, label, uuid, executors, idle_ttl_seconds, spec, state, updated_at FROM builder_workers ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list builders: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		var spec builder.Spec
		if err := json.Unmarshal([]byte(row.Spec), &spec); err != nil {
			return nil, fmt.Errorf("decode spec for %s: %w", row.Name, err)
		}
		records = append(records, Record{
			Worker: builder.Worker{
				Name:      row.Name,
				Label:     row.Label,
				UUID:      row.UUID,
				Executors: row.Executors,
				IdleTTL:   time.Duration(row.IdleTTLSeconds) * time.Second,
			},
			Spec:      spec,
			State:     builder.State(row.State),
			UpdatedAt: time.Unix(row.UpdatedAt, 0).UTC(),
		})
	}
	return records, nil
}
