package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/lancon/relay/internal/auth"
	"github.com/lancon/relay/internal/relay"
	"github.com/lancon/relay/internal/securelog"
	"github.com/lancon/relay/internal/user"
)

const (
	sendBuffer          = 64
	defaultWriteTimeout = 5 * time.Second
	defaultAuthTimeout  = 5 * time.Second
	defaultReadLimit    = 64 << 10

	// StatusSuperseded closes a connection replaced by a newer one for the
	// same identity.
	StatusSuperseded websocket.StatusCode = 4000
)

type Authenticator interface {
	Authenticate(ctx context.Context, claimed user.Identity, token string) (auth.Session, error)
}

type Router interface {
	Route(ctx context.Context, sender user.Identity, env relay.Envelope) relay.Outcome
}

type Config struct {
	// Path is the prefix under which /{identity} is served, e.g. "/ws".
	Path           string
	AuthTimeout    time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	MaxFrameBytes  int64
	OriginPatterns []string
	Logger         *slog.Logger
}

// Server accepts relay connections, authenticates them and feeds their frames
// to the router.
type Server struct {
	registry *relay.Registry
	router   Router
	auth     Authenticator
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	closing  bool
	handlers sync.WaitGroup
}

func NewServer(registry *relay.Registry, router Router, authn Authenticator, cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	cfg.Path = "/" + strings.Trim(cfg.Path, "/")
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultReadLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		registry: registry,
		router:   router,
		auth:     authn,
		cfg:      cfg,
		log:      cfg.Logger.With("component", "ws"),
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+s.cfg.Path+"/{identity}", s.HandleWS)
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil || s.router == nil || s.auth == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s.handlers.Add(1)
	s.mu.Unlock()
	defer s.handlers.Done()

	identity := user.Identity(r.PathValue("identity"))
	token := requestToken(r)

	client := &Client{id: uuid.NewString(), identity: identity, writeTimeout: s.cfg.WriteTimeout}
	client.log = s.log.With("conn", client.id)
	client.state.Store(int32(StateConnecting))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		securelog.Warn(s.log, "accept", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)
	client.conn = conn
	client.ctx, client.cancel = context.WithCancel(r.Context())
	client.send = make(chan []byte, sendBuffer)
	client.state.Store(int32(StateAuthenticating))

	authCtx, cancel := context.WithTimeout(r.Context(), s.cfg.AuthTimeout)
	_, err = s.auth.Authenticate(authCtx, identity, token)
	cancel()
	if err != nil {
		client.log.Info("connection rejected", "reason", rejectReason(err))
		client.state.Store(int32(StateClosed))
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		client.cancel()
		return
	}

	// Registering under s.mu orders this against Shutdown: either CloseAll
	// sees the connection or the handler sees closing.
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		client.log.Info("connection refused", "reason", "shutting down")
		client.state.Store(int32(StateClosed))
		status, text := closeStatus(relay.CloseShutdown)
		_ = conn.Close(status, text)
		client.cancel()
		return
	}
	client.state.Store(int32(StateOpen))
	s.registry.Register(identity, client)
	s.mu.Unlock()
	client.log.Info("connection open")

	go client.writeLoop()
	go client.pingLoop(s.cfg.PingInterval)

	reason := client.readLoop(s.router)

	s.registry.Unregister(identity, client)
	client.Close(reason)
	client.log.Info("connection closed", "reason", client.closeReason().String())
}

// Shutdown refuses new connections, closes every open one with "going away"
// and waits for their handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	if s.registry != nil {
		s.registry.CloseAll(relay.CloseShutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func requestToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if token, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return ""
}

func rejectReason(err error) string {
	for _, known := range []error{
		auth.ErrTokenMissing,
		auth.ErrTokenExpired,
		auth.ErrTokenMalformed,
		auth.ErrIdentityMismatch,
		auth.ErrUserDisabled,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unauthorized"
}

func closeStatus(reason relay.CloseReason) (websocket.StatusCode, string) {
	switch reason {
	case relay.CloseSuperseded:
		return StatusSuperseded, "superseded"
	case relay.CloseUnauthorized:
		return websocket.StatusPolicyViolation, "unauthorized"
	case relay.CloseShutdown:
		return websocket.StatusGoingAway, "server shutdown"
	case relay.CloseTransport:
		return websocket.StatusInternalError, "transport failure"
	default:
		return websocket.StatusNormalClosure, "bye"
	}
}

// isExpectedDisconnectError reports errors that mean the peer went away
// rather than something breaking.
func isExpectedDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
