package user

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		return identityPattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidIdentity reports whether name can be used as a username. Identities
// travel in URL paths, so the alphabet is restricted.
func ValidIdentity(name string) bool {
	return identityPattern.MatchString(name)
}

type RegisterInput struct {
	Username string `validate:"required,identity"`
	Password string `validate:"required,min=8,max=72"`
	Email    string `validate:"omitempty,email"`
	FullName string `validate:"max=128"`
	Language string `validate:"omitempty,min=2,max=16"`
}

type Service struct {
	repo Repository
	now  func() time.Time
	cost int
}

func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
		cost: bcrypt.DefaultCost,
	}
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("repository is required")
	}
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	in.Language = strings.TrimSpace(in.Language)
	if err := validate.Struct(in); err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	u := User{
		Username:     Identity(in.Username),
		PasswordHash: string(hash),
		Email:        in.Email,
		FullName:     strings.TrimSpace(in.FullName),
		Language:     in.Language,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Authenticate checks a username/password pair. Unknown users and wrong
// passwords both yield ErrBadPassword.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	u, err := s.Get(ctx, Identity(strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
			return User{}, ErrBadPassword
		}
		return User{}, err
	}
	if u.Disabled || u.PasswordHash == "" {
		return User{}, ErrBadPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrBadPassword
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, username Identity) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("repository is required")
	}
	if username == "" {
		return User{}, ErrInvalidInput
	}
	return s.repo.GetByUsername(ctx, username)
}

// Active reports whether username exists and is not disabled.
func (s *Service) Active(ctx context.Context, username Identity) (bool, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return !u.Disabled, nil
}

// PreferredLanguage returns the user's translation target, or "" when the
// user has none or does not exist.
func (s *Service) PreferredLanguage(ctx context.Context, username Identity) (string, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return u.Language, nil
}

func (s *Service) SetLanguage(ctx context.Context, username Identity, language string) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	language = strings.TrimSpace(language)
	if username == "" || len(language) > 16 {
		return ErrInvalidInput
	}
	return s.repo.SetLanguage(ctx, username, language)
}

func (s *Service) Usernames(ctx context.Context) ([]Identity, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	return s.repo.ListUsernames(ctx)
}
