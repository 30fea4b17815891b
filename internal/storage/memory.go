package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/lancon/relay/internal/user"
)

// MemoryStore is a process-local store for tests and single-node demos.
type MemoryStore struct {
	users *memoryUserRepo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: &memoryUserRepo{byName: make(map[user.Identity]user.User)}}
}

func (s *MemoryStore) Close(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemoryStore) Users() user.Repository {
	return s.users
}

type memoryUserRepo struct {
	mu     sync.RWMutex
	byName map[user.Identity]user.User
}

func (r *memoryUserRepo) Create(ctx context.Context, u user.User) error {
	_ = ctx
	if u.Username == "" || u.PasswordHash == "" || u.CreatedAt.IsZero() {
		return fmt.Errorf("username, password_hash, and created_at are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[u.Username]; ok {
		return user.ErrAlreadyExists
	}
	r.byName[u.Username] = u
	return nil
}

func (r *memoryUserRepo) GetByUsername(ctx context.Context, username user.Identity) (user.User, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byName[username]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (r *memoryUserRepo) ListUsernames(ctx context.Context) ([]user.Identity, error) {
	_ = ctx
	r.mu.RLock()
	out := make([]user.Identity, 0, len(r.byName))
	for name, u := range r.byName {
		if !u.Disabled {
			out = append(out, name)
		}
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out, nil
}

func (r *memoryUserRepo) SetLanguage(ctx context.Context, username user.Identity, language string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byName[username]
	if !ok {
		return user.ErrNotFound
	}
	u.Language = language
	r.byName[username] = u
	return nil
}
