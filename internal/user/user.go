package user

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("user not found")
	ErrAlreadyExists = errors.New("user already exists")
	ErrBadPassword   = errors.New("invalid credentials")
)

// Identity is the case-sensitive username a chat participant is addressed by.
type Identity string

func (i Identity) String() string {
	return string(i)
}

type User struct {
	Username     Identity
	PasswordHash string
	Email        string
	FullName     string
	// Language is the preferred translation target (BCP-47, e.g. "ja").
	Language  string
	Disabled  bool
	CreatedAt time.Time
}

type Repository interface {
	Create(ctx context.Context, u User) error
	GetByUsername(ctx context.Context, username Identity) (User, error)
	ListUsernames(ctx context.Context) ([]Identity, error)
	SetLanguage(ctx context.Context, username Identity, language string) error
}
