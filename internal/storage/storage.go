package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lancon/relay/internal/user"
)

const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverMemory   = "memory"
)

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Users() user.Repository
}

type Options struct {
	Driver     string
	DBURL      string
	BadgerPath string
	Logger     *slog.Logger
}

// Open returns the user store selected by opts.Driver. Migrations are not
// run; callers decide when to call Migrate.
func Open(ctx context.Context, opts Options) (Store, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	switch opts.Driver {
	case DriverPostgres:
		return NewPostgresStore(ctx, opts.DBURL, log)
	case DriverBadger:
		return NewBadgerStore(opts.BadgerPath, log)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
