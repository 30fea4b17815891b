package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	"github.com/lancon/relay/internal/config"
	"github.com/lancon/relay/internal/storage"
)

// Settings configure the client side commands. Store commands read the
// server's LANCON_* variables instead.
type Settings struct {
	Server  string `envconfig:"RELAYCTL_SERVER" default:"http://localhost:8000"`
	Token   string `envconfig:"RELAYCTL_TOKEN"`
	Colours bool   `envconfig:"RELAYCTL_COLOURS" default:"true"`
	// WSPath must match the server's LANCON_WS_PATH.
	WSPath string `envconfig:"RELAYCTL_WS_PATH" default:"/ws"`
}

func LoadSettings() (Settings, error) {
	var s Settings
	err := envconfig.Process("", &s)
	return s, err
}

type storeOpener func(ctx context.Context) (storage.Store, error)

type app struct {
	settings  Settings
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
	openStore storeOpener
	api       *APIClient
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		openStore: openStoreFromEnv,
	}
}

// openStoreFromEnv opens the store the server is configured with. A badger
// store is locked by a running server, so stop it first.
func openStoreFromEnv(ctx context.Context) (storage.Store, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, storage.Options{
		Driver:     cfg.StoreDriver,
		DBURL:      cfg.DBURL,
		BadgerPath: cfg.BadgerPath,
		Logger:     logs.GetLoggerFromString(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

func newRootCmd(a *app) *cobra.Command {
	var server, token, wsPath string
	var noColour bool

	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Administer and talk to a lancon relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings, err := LoadSettings()
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			if server != "" {
				settings.Server = server
			}
			if token != "" {
				settings.Token = token
			}
			if wsPath != "" {
				settings.WSPath = wsPath
			}
			if noColour {
				settings.Colours = false
			}
			settings.Server = strings.TrimRight(settings.Server, "/")
			settings.WSPath = "/" + strings.Trim(settings.WSPath, "/")
			a.settings = settings
			a.api = NewAPIClient(settings.Server)
			return nil
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().StringVar(&server, "server", "", "relay base URL (default $RELAYCTL_SERVER)")
	root.PersistentFlags().StringVar(&token, "token", "", "bearer token (default $RELAYCTL_TOKEN)")
	root.PersistentFlags().StringVar(&wsPath, "ws-path", "", "websocket path prefix on the server (default $RELAYCTL_WS_PATH)")
	root.PersistentFlags().BoolVar(&noColour, "no-colour", false, "disable coloured output")

	root.AddCommand(usersCmd(a), tokenCmd(a), searchCmd(a), presenceCmd(a), chatCmd(a))
	return root
}

func withTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, d)
}

func (a *app) requireToken() error {
	if a.settings.Token == "" {
		return fmt.Errorf("no token: pass --token or set RELAYCTL_TOKEN")
	}
	return nil
}
