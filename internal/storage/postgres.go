package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lancon/relay/internal/user"
)

type PostgresStore struct {
	db    *sql.DB
	log   *slog.Logger
	users *pgUserRepo
}

func NewPostgresStore(ctx context.Context, dbURL string, log *slog.Logger) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("db url is required")
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &PostgresStore{db: db, log: log, users: &pgUserRepo{db: db}}, nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	_ = ctx
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return NewMigrator(s.db, migrationsFS, s.log).Up(ctx)
}

func (s *PostgresStore) Users() user.Repository {
	return s.users
}
