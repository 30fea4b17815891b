package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/rs/cors"
	"github.com/samber/lo"

	"github.com/lancon/relay/internal/auth"
	"github.com/lancon/relay/internal/config"
	"github.com/lancon/relay/internal/directory"
	"github.com/lancon/relay/internal/httpapi"
	"github.com/lancon/relay/internal/moderation"
	"github.com/lancon/relay/internal/relay"
	"github.com/lancon/relay/internal/securelog"
	"github.com/lancon/relay/internal/storage"
	"github.com/lancon/relay/internal/translate"
	"github.com/lancon/relay/internal/user"
	"github.com/lancon/relay/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	logger := logs.GetLoggerFromString(cfg.LogLevel)

	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := storage.Open(storeCtx, storage.Options{
		Driver:     cfg.StoreDriver,
		DBURL:      cfg.DBURL,
		BadgerPath: cfg.BadgerPath,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, store, logger)
}

// serve owns store from here on and closes it before returning.
func serve(ctx context.Context, cfg config.Config, store storage.Store, logger *slog.Logger) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			securelog.Warn(logger, "store close", err)
		}
	}()

	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	users := user.NewService(store.Users())
	authService := auth.NewService(auth.Config{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		TTL:    cfg.TokenTTL,
	}, users)

	routerCfg := relay.RouterConfig{
		Languages:        users,
		DefaultTarget:    cfg.TranslateTarget,
		TranslateTimeout: cfg.TranslateTimeout,
		Logger:           logger,
	}
	if cfg.TranslationEnabled() {
		routerCfg.Translator = translate.NewDetecting(
			translate.NewGoogle(cfg.TranslateURL, cfg.TranslateAPIKey, cfg.TranslateTimeout),
		)
	} else {
		logger.Info("translation disabled: no translate api configured")
	}
	if words := cfg.Words(); len(words) > 0 {
		mask, err := cfg.CensorRune()
		if err != nil {
			return err
		}
		censor, err := moderation.New(words, mask, logger)
		if err != nil {
			return fmt.Errorf("build censor: %w", err)
		}
		routerCfg.Moderator = censor
	}

	registry := relay.NewRegistry()
	router := relay.NewRouter(registry, routerCfg)
	wsServer := ws.NewServer(registry, router, authService, ws.Config{
		Path:           cfg.WSPath,
		AuthTimeout:    cfg.AuthTimeout,
		PingInterval:   cfg.PingInterval,
		WriteTimeout:   cfg.WriteTimeout,
		MaxFrameBytes:  int64(cfg.MaxFrameBytes),
		OriginPatterns: originPatterns(cfg.Origins()),
		Logger:         logger,
	})

	dir, err := directory.New(users, cfg.DirectoryRefresh, logger)
	if err != nil {
		return fmt.Errorf("init directory: %w", err)
	}
	defer dir.Close()
	dirCtx, stopDir := context.WithCancel(ctx)
	defer stopDir()
	go dir.Run(dirCtx)

	api := httpapi.NewHandler(users, authService, dir, registry, logger)

	mux := http.NewServeMux()
	wsServer.Register(mux)
	api.Register(mux)

	handler := cors.New(cors.Options{
		AllowedOrigins:   corsOrigins(cfg.Origins()),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	// No Read/WriteTimeout: they would stay armed on hijacked websocket
	// connections.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled() {
			logger.Info("listening with TLS", "addr", cfg.ListenAddr, "ws_path", cfg.WSPath)
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		logger.Info("listening", "addr", cfg.ListenAddr, "ws_path", cfg.WSPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "connections", registry.Len())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			securelog.Warn(logger, "ws shutdown", err)
		}
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = wsServer.Shutdown(closeCtx)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// originPatterns turns configured origins into websocket host patterns;
// the scheme is not part of the match.
func originPatterns(origins []string) []string {
	return lo.Uniq(lo.Map(origins, func(o string, _ int) string {
		if i := strings.Index(o, "://"); i >= 0 {
			return o[i+3:]
		}
		return o
	}))
}

// corsOrigins expands scheme-less origins to their http and https forms.
func corsOrigins(origins []string) []string {
	return lo.Uniq(lo.FlatMap(origins, func(o string, _ int) []string {
		if o == "*" || strings.Contains(o, "://") {
			return []string{o}
		}
		return []string{"http://" + o, "https://" + o}
	}))
}
