package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/lancon/relay/internal/user"
)

const badgerUserPrefix = "user:"

// BadgerStore keeps users in an embedded badger database. Badger holds an
// exclusive lock on its directory, so only one process may open it at a time.
type BadgerStore struct {
	db    *badger.DB
	users *badgerUserRepo
}

func NewBadgerStore(path string, log *slog.Logger) (*BadgerStore, error) {
	if path == "" {
		return nil, fmt.Errorf("badger path is required")
	}
	return openBadger(badger.DefaultOptions(path), log)
}

func openBadger(opts badger.Options, log *slog.Logger) (*BadgerStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := badger.Open(opts.WithLogger(badgerLogger{log: log.With("component", "badger")}))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, users: &badgerUserRepo{db: db}}, nil
}

func (s *BadgerStore) Close(ctx context.Context) error {
	_ = ctx
	return s.db.Close()
}

// Migrate is a no-op; badger values are schemaless JSON.
func (s *BadgerStore) Migrate(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *BadgerStore) Users() user.Repository {
	return s.users
}

type badgerUser struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Email        string    `json:"email,omitempty"`
	FullName     string    `json:"full_name,omitempty"`
	Language     string    `json:"language,omitempty"`
	Disabled     bool      `json:"disabled,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func toBadgerUser(u user.User) badgerUser {
	return badgerUser{
		Username:     string(u.Username),
		PasswordHash: u.PasswordHash,
		Email:        u.Email,
		FullName:     u.FullName,
		Language:     u.Language,
		Disabled:     u.Disabled,
		CreatedAt:    u.CreatedAt,
	}
}

func (b badgerUser) toUser() user.User {
	return user.User{
		Username:     user.Identity(b.Username),
		PasswordHash: b.PasswordHash,
		Email:        b.Email,
		FullName:     b.FullName,
		Language:     b.Language,
		Disabled:     b.Disabled,
		CreatedAt:    b.CreatedAt,
	}
}

type badgerUserRepo struct {
	db *badger.DB
}

func userKey(username user.Identity) []byte {
	return []byte(badgerUserPrefix + string(username))
}

func (r *badgerUserRepo) Create(ctx context.Context, u user.User) error {
	_ = ctx
	if u.Username == "" || u.PasswordHash == "" || u.CreatedAt.IsZero() {
		return fmt.Errorf("username, password_hash, and created_at are required")
	}
	data, err := json.Marshal(toBadgerUser(u))
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		key := userKey(u.Username)
		if _, err := txn.Get(key); err == nil {
			return user.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get user: %w", err)
		}
		return txn.Set(key, data)
	})
}

func (r *badgerUserRepo) GetByUsername(ctx context.Context, username user.Identity) (user.User, error) {
	_ = ctx
	var stored badgerUser
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, fmt.Errorf("get user: %w", err)
	}
	return stored.toUser(), nil
}

func (r *badgerUserRepo) ListUsernames(ctx context.Context) ([]user.Identity, error) {
	_ = ctx
	var out []user.Identity
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(badgerUserPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var stored badgerUser
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			if stored.Disabled {
				continue
			}
			out = append(out, user.Identity(strings.TrimPrefix(string(it.Item().Key()), badgerUserPrefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list usernames: %w", err)
	}
	return out, nil
}

func (r *badgerUserRepo) SetLanguage(ctx context.Context, username user.Identity, language string) error {
	_ = ctx
	return r.db.Update(func(txn *badger.Txn) error {
		key := userKey(username)
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return user.ErrNotFound
			}
			return fmt.Errorf("get user: %w", err)
		}
		var stored badgerUser
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return fmt.Errorf("decode user: %w", err)
		}
		stored.Language = language
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		return txn.Set(key, data)
	})
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
