package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/lancon/relay/internal/mocks"
	"github.com/lancon/relay/internal/relay"
	"github.com/lancon/relay/internal/user"
)

type recordingConn struct {
	id string

	mu         sync.Mutex
	deliveries []relay.Delivery
	refuse     bool
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(d relay.Delivery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false
	}
	c.deliveries = append(c.deliveries, d)
	return true
}

func (c *recordingConn) Close(relay.CloseReason) {}

func (c *recordingConn) received() []relay.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]relay.Delivery(nil), c.deliveries...)
}

func TestRouter_Route(t *testing.T) {
	ctx := context.Background()

	t.Run("should deliver exactly once to a registered recipient", func(t *testing.T) {
		req := require.New(t)
		// Given
		registry := relay.NewRegistry()
		bob := &recordingConn{id: "bob-1"}
		registry.Register("bob", bob)
		router := relay.NewRouter(registry, relay.RouterConfig{})

		// When
		outcome := router.Route(ctx, "alice", relay.Envelope{To: "bob", Message: "hi"})

		// Then
		req.Equal(relay.OutcomeDelivered, outcome)
		req.Equal([]relay.Delivery{{From: "alice", Message: "hi"}}, bob.received())
	})

	t.Run("should silently drop when the recipient is not registered", func(t *testing.T) {
		req := require.New(t)
		registry := relay.NewRegistry()
		alice := &recordingConn{id: "alice-1"}
		registry.Register("alice", alice)
		router := relay.NewRouter(registry, relay.RouterConfig{})

		outcome := router.Route(ctx, "alice", relay.Envelope{To: "carol", Message: "hi"})

		req.Equal(relay.OutcomeUnreachable, outcome)
		req.Empty(alice.received())
	})

	t.Run("should reject invalid envelopes without delivering", func(t *testing.T) {
		req := require.New(t)
		registry := relay.NewRegistry()
		alice := &recordingConn{id: "alice-1"}
		bob := &recordingConn{id: "bob-1"}
		registry.Register("alice", alice)
		registry.Register("bob", bob)
		router := relay.NewRouter(registry, relay.RouterConfig{})

		for _, env := range []relay.Envelope{
			{To: "", Message: "hi"},
			{To: "alice", Message: "hi"},
			{To: "bob", Message: "   "},
		} {
			req.Equal(relay.OutcomeRejected, router.Route(ctx, "alice", env))
		}
		req.Empty(alice.received())
		req.Empty(bob.received())
	})

	t.Run("should report a dropped delivery when the send queue refuses", func(t *testing.T) {
		req := require.New(t)
		registry := relay.NewRegistry()
		registry.Register("bob", &recordingConn{id: "bob-1", refuse: true})
		router := relay.NewRouter(registry, relay.RouterConfig{})

		req.Equal(relay.OutcomeDropped, router.Route(ctx, "alice", relay.Envelope{To: "bob", Message: "hi"}))
	})

	t.Run("should preserve per-sender order", func(t *testing.T) {
		req := require.New(t)
		registry := relay.NewRegistry()
		bob := &recordingConn{id: "bob-1"}
		registry.Register("bob", bob)
		router := relay.NewRouter(registry, relay.RouterConfig{})

		for _, msg := range []string{"1", "2", "3"} {
			router.Route(ctx, "alice", relay.Envelope{To: "bob", Message: msg})
		}

		got := bob.received()
		req.Len(got, 3)
		req.Equal("1", got[0].Message)
		req.Equal("2", got[1].Message)
		req.Equal("3", got[2].Message)
	})
}

func TestRouter_Translation(t *testing.T) {
	ctx := context.Background()

	t.Run("should translate into the recipient's preferred language", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)
		languages := mocks.NewMockLanguageResolver(ctrl)

		registry := relay.NewRegistry()
		bob := &recordingConn{id: "bob-1"}
		registry.Register("bob", bob)
		router := relay.NewRouter(registry, relay.RouterConfig{
			Translator:    translator,
			Languages:     languages,
			DefaultTarget: "ja",
		})

		languages.EXPECT().PreferredLanguage(gomock.Any(), user.Identity("bob")).Return("fr", nil)
		translator.EXPECT().Translate(gomock.Any(), "hello", "fr").Return("bonjour", nil)

		outcome := router.Route(ctx, "alice", relay.Envelope{To: "bob", Message: "hello", Lang: true})

		req.Equal(relay.OutcomeDelivered, outcome)
		req.Equal([]relay.Delivery{{From: "alice", Message: "bonjour"}}, bob.received())
	})

	t.Run("should fall back to the default target", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)
		languages := mocks.NewMockLanguageResolver(ctrl)

		registry := relay.NewRegistry()
		bob := &recordingConn{id: "bob-1"}
		registry.Register("bob", bob)
		router := relay.NewRouter(registry, relay.RouterConfig{
			Translator:    translator,
			Languages:     languages,
			DefaultTarget: "ja",
		})

		languages.EXPECT().PreferredLanguage(gomock.Any(), user.Identity("bob")).Return("", errors.New("store down"))
		translator.EXPECT().Translate(gomock.Any(), "hello", "ja").Return("こんにちは", nil)

		router.Route(ctx, "alice", relay.Envelope{To: "bob", Message: "hello", Lang: true})

		req.Equal("こんにちは", bob.received()[0].Message)
	})

	t.Run("should forward the original text when translation fails", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)

		registry := relay.NewRegistry()
		bob := &recordingConn{id: "bob-1"}
		registry.Register("bob", bob)
		router := relay.NewRouter(registry, relay.RouterConfig{Translator: translator, DefaultTarget: "ja"})

		translator.EXPECT().Translate(gomock.Any(), "hello", "ja").Return("", errors.New("quota exceeded"))

		outcome := router.Route(ctx, "alice", relay.Envelope{To: "bob", Message: "hello", Lang: true})

		req.Equal(relay.OutcomeDelivered, outcome)
		req.Equal("hello", bob.received()[0].Message)
	})

	t.Run("should forward the original text when translation is empty", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)

		registry := relay.NewRegistry()
		bob := &recordingConn{id: "bob-1"}
		registry.Register("bob", bob)
		router := relay.NewRouter(registry, relay.RouterConfig{Translator: translator, DefaultTarget: "ja"})

		translator.EXPECT().Translate(gomock.Any(), "hello", "ja").Return("  ", nil)

		router.Route(ctx, "alice", relay.Envelope{To: "bob", Message: "hello", Lang: true})

		req.Equal("hello", bob.received()[0].Message)
	})

	t.Run("should not translate when lang is false", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)
		translator.EXPECT().Translate(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		registry := relay.NewRegistry()
		bob := &recordingConn{id: "bob-1"}
		registry.Register("bob", bob)
		router := relay.NewRouter(registry, relay.RouterConfig{Translator: translator, DefaultTarget: "ja"})

		router.Route(ctx, "alice", relay.Envelope{To: "bob", Message: "hello"})

		req.Equal("hello", bob.received()[0].Message)
	})

	t.Run("should not translate for an unreachable recipient", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)
		translator.EXPECT().Translate(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		router := relay.NewRouter(relay.NewRegistry(), relay.RouterConfig{Translator: translator, DefaultTarget: "ja"})

		req.Equal(relay.OutcomeUnreachable, router.Route(ctx, "alice", relay.Envelope{To: "bob", Message: "hello", Lang: true}))
	})

	t.Run("should drop when the recipient leaves during translation", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)

		registry := relay.NewRegistry()
		bob := &recordingConn{id: "bob-1"}
		registry.Register("bob", bob)
		router := relay.NewRouter(registry, relay.RouterConfig{Translator: translator, DefaultTarget: "ja"})

		translator.EXPECT().Translate(gomock.Any(), "hello", "ja").DoAndReturn(
			func(context.Context, string, string) (string, error) {
				registry.Unregister("bob", bob)
				return "やあ", nil
			})

		outcome := router.Route(ctx, "alice", relay.Envelope{To: "bob", Message: "hello", Lang: true})

		req.Equal(relay.OutcomeUnreachable, outcome)
		req.Empty(bob.received())
	})

	t.Run("should deliver to the superseding connection after translation", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)

		registry := relay.NewRegistry()
		oldBob := &recordingConn{id: "bob-1"}
		newBob := &recordingConn{id: "bob-2"}
		registry.Register("bob", oldBob)
		router := relay.NewRouter(registry, relay.RouterConfig{Translator: translator, DefaultTarget: "ja"})

		translator.EXPECT().Translate(gomock.Any(), "hello", "ja").DoAndReturn(
			func(context.Context, string, string) (string, error) {
				registry.Register("bob", newBob)
				return "やあ", nil
			})

		router.Route(ctx, "alice", relay.Envelope{To: "bob", Message: "hello", Lang: true})

		req.Empty(oldBob.received())
		req.Len(newBob.received(), 1)
	})

	t.Run("should keep translating when the sender context is cancelled", func(t *testing.T) {
		req := require.New(t)
		ctrl := gomock.NewController(t)
		translator := mocks.NewMockTranslator(ctrl)

		registry := relay.NewRegistry()
		bob := &recordingConn{id: "bob-1"}
		registry.Register("bob", bob)
		router := relay.NewRouter(registry, relay.RouterConfig{
			Translator:       translator,
			DefaultTarget:    "ja",
			TranslateTimeout: time.Second,
		})

		senderCtx, cancel := context.WithCancel(ctx)
		cancel()
		translator.EXPECT().Translate(gomock.Any(), "hello", "ja").DoAndReturn(
			func(ctx context.Context, _, _ string) (string, error) {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				_, hasDeadline := ctx.Deadline()
				req.True(hasDeadline)
				return "やあ", nil
			})

		router.Route(senderCtx, "alice", relay.Envelope{To: "bob", Message: "hello", Lang: true})

		req.Equal("やあ", bob.received()[0].Message)
	})
}

func TestRouter_Moderation(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	moderator := mocks.NewMockModerator(ctrl)
	translator := mocks.NewMockTranslator(ctrl)

	registry := relay.NewRegistry()
	bob := &recordingConn{id: "bob-1"}
	registry.Register("bob", bob)
	router := relay.NewRouter(registry, relay.RouterConfig{
		Translator:    translator,
		Moderator:     moderator,
		DefaultTarget: "en",
	})

	// Censoring happens before the text leaves for translation.
	gomock.InOrder(
		moderator.EXPECT().Censor("darn it").Return("**** it"),
		translator.EXPECT().Translate(gomock.Any(), "**** it", "en").Return("**** it", nil),
	)

	router.Route(context.Background(), "alice", relay.Envelope{To: "bob", Message: "darn it", Lang: true})

	req.Equal("**** it", bob.received()[0].Message)
}

func TestOutcomeString(t *testing.T) {
	req := require.New(t)
	req.Equal("delivered", relay.OutcomeDelivered.String())
	req.Equal("unreachable", relay.OutcomeUnreachable.String())
	req.Equal("unknown", relay.Outcome(42).String())
}
