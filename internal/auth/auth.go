package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lancon/relay/internal/user"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTokenMissing     = errors.New("token missing")
	ErrTokenMalformed   = errors.New("token malformed")
	ErrTokenExpired     = errors.New("token expired")
	ErrIdentityMismatch = errors.New("token does not match identity")
	ErrUserDisabled     = errors.New("user unknown or disabled")
)

const DefaultTokenTTL = 30 * time.Minute

// reject wraps reason so that every rejection also matches ErrUnauthorized.
func reject(reason error) error {
	return fmt.Errorf("%w: %w", ErrUnauthorized, reason)
}

type Session struct {
	Token     string
	Identity  user.Identity
	ExpiresAt time.Time
}

// UserChecker reports whether an identity may hold a session.
type UserChecker interface {
	Active(ctx context.Context, id user.Identity) (bool, error)
}

type Config struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

type claims struct {
	jwt.RegisteredClaims
}

// Service issues and verifies HS256 bearer tokens whose subject is the
// username.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	users  UserChecker
	now    func() time.Time
}

// NewService builds a token service. users may be nil, in which case a valid
// signature is enough.
func NewService(cfg Config, users UserChecker) *Service {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		ttl:    ttl,
		users:  users,
		now:    time.Now,
	}
}

// Authenticate accepts token only if it is valid, unexpired, issued for
// claimed, and claimed is an active user.
func (s *Service) Authenticate(ctx context.Context, claimed user.Identity, token string) (Session, error) {
	session, err := s.parse(token)
	if err != nil {
		return Session{}, err
	}
	if claimed == "" || session.Identity != claimed {
		return Session{}, reject(ErrIdentityMismatch)
	}
	if err := s.checkUser(ctx, session.Identity); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Verify validates a bearer token without a claimed identity.
func (s *Service) Verify(ctx context.Context, token string) (Session, error) {
	session, err := s.parse(token)
	if err != nil {
		return Session{}, err
	}
	if err := s.checkUser(ctx, session.Identity); err != nil {
		return Session{}, err
	}
	return session, nil
}

func (s *Service) Issue(id user.Identity) (Session, error) {
	if id == "" {
		return Session{}, errors.New("identity is required")
	}
	if len(s.secret) == 0 {
		return Session{}, errors.New("signing secret is not configured")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   string(id),
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	return Session{Token: signed, Identity: id, ExpiresAt: expires.Truncate(time.Second)}, nil
}

func (s *Service) parse(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, reject(ErrTokenMissing)
	}
	if len(s.secret) == 0 {
		return Session{}, reject(errors.New("signing secret is not configured"))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, reject(ErrTokenExpired)
		}
		return Session{}, reject(fmt.Errorf("%w: %w", ErrTokenMalformed, err))
	}
	if !parsed.Valid || c.Subject == "" {
		return Session{}, reject(ErrTokenMalformed)
	}

	session := Session{Token: token, Identity: user.Identity(c.Subject)}
	if c.ExpiresAt != nil {
		session.ExpiresAt = c.ExpiresAt.Time
	}
	return session, nil
}

// checkUser fails closed: a store error rejects the token.
func (s *Service) checkUser(ctx context.Context, id user.Identity) error {
	if s.users == nil {
		return nil
	}
	active, err := s.users.Active(ctx, id)
	if err != nil {
		return reject(fmt.Errorf("check user: %w", err))
	}
	if !active {
		return reject(ErrUserDisabled)
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
