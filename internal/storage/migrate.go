package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	id  string
	sql string
}

// Migrator applies forward-only SQL migrations from migrations/*.sql in
// lexical order, recording each one in schema_migrations.
type Migrator struct {
	db  *sql.DB
	fs  fs.FS
	log *slog.Logger
	now func() time.Time
}

func NewMigrator(db *sql.DB, migrations fs.FS, log *slog.Logger) *Migrator {
	if log == nil {
		log = slog.Default()
	}
	return &Migrator{db: db, fs: migrations, log: log, now: time.Now}
}

func (m *Migrator) Up(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("db is required")
	}
	if _, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	pending, err := m.pending(ctx)
	if err != nil {
		return err
	}
	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
		m.log.Info("migration applied", "id", mig.id)
	}
	return nil
}

func (m *Migrator) pending(ctx context.Context) ([]migration, error) {
	files, err := fs.Glob(m.fs, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}
	slices.Sort(files)

	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, file := range files {
		id := path.Base(file)
		if _, ok := applied[id]; ok {
			continue
		}
		content, err := fs.ReadFile(m.fs, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", id, err)
		}
		out = append(out, migration{id: id, sql: stripLineComments(string(content))})
	}
	return out, nil
}

func (m *Migrator) applied(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// apply runs one migration and its bookkeeping row in a single transaction.
// Comment-only files are recorded without executing anything.
func (m *Migrator) apply(ctx context.Context, mig migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", mig.id, err)
	}
	if strings.TrimSpace(mig.sql) != "" {
		if _, err := tx.ExecContext(ctx, mig.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", mig.id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, applied_at) VALUES ($1, $2)`, mig.id, m.now().UTC()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", mig.id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", mig.id, err)
	}
	return nil
}

func stripLineComments(sqlText string) string {
	lines := strings.Split(sqlText, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
