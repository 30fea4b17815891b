//go:generate go run go.uber.org/mock/mockgen -source=router.go -destination=../mocks/mock_router.go -package=mocks

package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/lancon/relay/internal/securelog"
	"github.com/lancon/relay/internal/user"
)

const defaultTranslateTimeout = 5 * time.Second

// Translator rewrites text into the target language.
type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// LanguageResolver returns the preferred language of a recipient, or "" when
// none is known.
type LanguageResolver interface {
	PreferredLanguage(ctx context.Context, id user.Identity) (string, error)
}

type Moderator interface {
	Censor(text string) string
}

// Outcome is the result of routing one envelope. Only the relay sees it; the
// sender is never told.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeRejected
	OutcomeUnreachable
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

type RouterConfig struct {
	Translator       Translator
	Languages        LanguageResolver
	Moderator        Moderator
	DefaultTarget    string
	TranslateTimeout time.Duration
	Logger           *slog.Logger
}

type Router struct {
	registry         *Registry
	translator       Translator
	languages        LanguageResolver
	moderator        Moderator
	defaultTarget    string
	translateTimeout time.Duration
	log              *slog.Logger
}

func NewRouter(registry *Registry, cfg RouterConfig) *Router {
	if cfg.TranslateTimeout <= 0 {
		cfg.TranslateTimeout = defaultTranslateTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		registry:         registry,
		translator:       cfg.Translator,
		languages:        cfg.Languages,
		moderator:        cfg.Moderator,
		defaultTarget:    strings.TrimSpace(cfg.DefaultTarget),
		translateTimeout: cfg.TranslateTimeout,
		log:              cfg.Logger.With("component", "router"),
	}
}

// Route delivers env from sender to at most one connection. It never fails
// from the sender's point of view; the returned Outcome is informational.
func (r *Router) Route(ctx context.Context, sender user.Identity, env Envelope) Outcome {
	if err := env.Validate(sender); err != nil {
		r.log.Debug("envelope rejected", "reason", err.Error())
		return OutcomeRejected
	}
	if _, ok := r.registry.Lookup(env.To); !ok {
		return OutcomeUnreachable
	}

	text := env.Message
	if r.moderator != nil {
		text = r.moderator.Censor(text)
	}
	if env.Lang {
		text = r.translate(ctx, env.To, text)
	}

	// The recipient may have gone away or been superseded while translating.
	conn, ok := r.registry.Lookup(env.To)
	if !ok {
		return OutcomeUnreachable
	}
	if !conn.Send(Delivery{From: sender, Message: text}) {
		r.log.Warn("delivery dropped", "conn", conn.ID())
		return OutcomeDropped
	}
	return OutcomeDelivered
}

// translate returns text unchanged on any failure.
func (r *Router) translate(ctx context.Context, to user.Identity, text string) string {
	if r.translator == nil {
		return text
	}
	// The translation outlives a sender that disconnects mid-call, bounded by
	// the translate timeout.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.translateTimeout)
	defer cancel()

	target := r.targetFor(tctx, to)
	if target == "" {
		return text
	}
	out, err := r.translator.Translate(tctx, text, target)
	if err != nil {
		securelog.Warn(r.log, "translate", err)
		return text
	}
	if strings.TrimSpace(out) == "" {
		securelog.Warn(r.log, "translate", errors.New("empty translation"))
		return text
	}
	return out
}

func (r *Router) targetFor(ctx context.Context, to user.Identity) string {
	if r.languages == nil {
		return r.defaultTarget
	}
	lang, err := r.languages.PreferredLanguage(ctx, to)
	if err != nil {
		securelog.Warn(r.log, "resolve language", err)
		return r.defaultTarget
	}
	if lang = strings.TrimSpace(lang); lang != "" {
		return lang
	}
	return r.defaultTarget
}
