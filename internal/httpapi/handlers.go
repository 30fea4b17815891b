package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/lancon/relay/internal/auth"
	"github.com/lancon/relay/internal/securelog"
	"github.com/lancon/relay/internal/user"
)

const (
	maxBodyBytes       = 1 << 20
	timeLayout         = time.RFC3339
	defaultSearchLimit = 50
	maxSearchLimit     = 200
	maxPresenceNames   = 500
)

// Directory answers "which identities exist" queries. It says nothing about
// who is connected. Add indexes an identity as soon as it is registered.
type Directory interface {
	Search(ctx context.Context, query string, limit int) ([]user.Identity, error)
	Add(ctx context.Context, id user.Identity) error
}

// PresenceProvider answers "who is connected right now".
type PresenceProvider interface {
	Online(ids []user.Identity) map[user.Identity]bool
	Len() int
}

type Handler struct {
	users     *user.Service
	auth      *auth.Service
	directory Directory
	presence  PresenceProvider
	log       *slog.Logger
	started   time.Time
}

func NewHandler(users *user.Service, authn *auth.Service, directory Directory, presence PresenceProvider, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		users:     users,
		auth:      authn,
		directory: directory,
		presence:  presence,
		log:       log.With("component", "httpapi"),
		started:   time.Now(),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/users/register", h.handleRegister)
	mux.HandleFunc("/users/token", h.handleToken)
	mux.HandleFunc("/users/me", h.handleMe)
	mux.HandleFunc("/search", h.handleSearch)
	mux.HandleFunc("/presence", h.handlePresence)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/stats", h.handleStats)
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Language string `json:"language"`
}

type userResponse struct {
	Username  user.Identity `json:"username"`
	Email     string        `json:"email,omitempty"`
	FullName  string        `json:"full_name,omitempty"`
	Language  string        `json:"language,omitempty"`
	CreatedAt string        `json:"created_at"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.users == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("user service not configured"))
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.users.Register(r.Context(), user.RegisterInput{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
		FullName: req.FullName,
		Language: req.Language,
	})
	if err != nil {
		switch {
		case errors.Is(err, user.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, user.ErrInvalidInput)
		case errors.Is(err, user.ErrAlreadyExists):
			h.writeError(w, http.StatusConflict, err)
		default:
			h.writeError(w, http.StatusInternalServerError, errors.New("registration failed"))
			securelog.Error(h.log, "register", err)
		}
		return
	}

	if h.directory != nil {
		// The periodic refresh picks the user up if this fails.
		if err := h.directory.Add(r.Context(), created.Username); err != nil {
			securelog.Warn(h.log, "directory add", err)
		}
	}

	writeJSON(w, http.StatusCreated, toUserResponse(created))
}

func toUserResponse(u user.User) userResponse {
	return userResponse{
		Username:  u.Username,
		Email:     u.Email,
		FullName:  u.FullName,
		Language:  u.Language,
		CreatedAt: u.CreatedAt.UTC().Format(timeLayout),
	}
}

// handleMe returns the bearer's own account.
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized)
		return
	}
	if h.users == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("user service not configured"))
		return
	}

	u, err := h.users.Get(r.Context(), session.Identity)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			h.writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized)
			return
		}
		securelog.Error(h.log, "me", err)
		h.writeError(w, http.StatusInternalServerError, errors.New("lookup failed"))
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

// handleToken is a password grant: form fields username and password, as
// sent by OAuth2 password-flow clients.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.users == nil || h.auth == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("auth service not configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid form body"))
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")
	if username == "" || password == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}

	u, err := h.users.Authenticate(r.Context(), username, password)
	if err != nil {
		if errors.Is(err, user.ErrBadPassword) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.writeError(w, http.StatusUnauthorized, errors.New("incorrect username or password"))
			return
		}
		securelog.Error(h.log, "token", err)
		h.writeError(w, http.StatusInternalServerError, errors.New("login failed"))
		return
	}

	session, err := h.auth.Issue(u.Username)
	if err != nil {
		securelog.Error(h.log, "issue token", err)
		h.writeError(w, http.StatusInternalServerError, errors.New("login failed"))
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: session.Token,
		TokenType:   "bearer",
		ExpiresAt:   session.ExpiresAt.UTC().Format(timeLayout),
	})
}

func (h *Handler) authenticate(r *http.Request) (auth.Session, error) {
	if h.auth == nil {
		return auth.Session{}, auth.ErrUnauthorized
	}
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return auth.Session{}, auth.ErrUnauthorized
	}
	return h.auth.Verify(r.Context(), token)
}

type searchResponse struct {
	Usernames []user.Identity `json:"usernames"`
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authenticate(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized)
		return
	}
	if h.directory == nil {
		h.writeError(w, http.StatusInternalServerError, errors.New("directory not configured"))
		return
	}

	limit := defaultSearchLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxSearchLimit)
	}

	names, err := h.directory.Search(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")), limit)
	if err != nil {
		securelog.Error(h.log, "search", err)
		h.writeError(w, http.StatusInternalServerError, errors.New("search failed"))
		return
	}
	if names == nil {
		names = []user.Identity{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Usernames: names})
}

type presenceRequest struct {
	Usernames []user.Identity `json:"usernames"`
}

type presenceResponse struct {
	Statuses map[user.Identity]bool `json:"statuses"`
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authenticate(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized)
		return
	}

	var req presenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	names := lo.Uniq(lo.Compact(req.Usernames))
	if len(names) > maxPresenceNames {
		h.writeError(w, http.StatusBadRequest, errors.New("too many usernames"))
		return
	}

	statuses := make(map[user.Identity]bool, len(names))
	if h.presence != nil {
		statuses = h.presence.Online(names)
	}
	writeJSON(w, http.StatusOK, presenceResponse{Statuses: statuses})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

type statsResponse struct {
	Connections int     `json:"connections"`
	Goroutines  int     `json:"goroutines"`
	RSSBytes    uint64  `json:"rss_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
	Uptime      string  `json:"uptime"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := statsResponse{
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(h.started).Truncate(time.Second).String(),
	}
	if h.presence != nil {
		resp.Connections = h.presence.Len()
	}
	if proc, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfoWithContext(r.Context()); err == nil && mem != nil {
			resp.RSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercentWithContext(r.Context()); err == nil {
			resp.CPUPercent = cpu
		}
	} else {
		securelog.Warn(h.log, "process stats", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		securelog.Error(h.log, "httpapi", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
