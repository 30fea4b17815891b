package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		ListenAddr:       ":8000",
		WSPath:           "/ws",
		StoreDriver:      StoreDriverMemory,
		JWTSecret:        "0123456789abcdef",
		TokenTTL:         30 * time.Minute,
		AuthTimeout:      5 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     5 * time.Second,
		MaxFrameBytes:    65536,
		TranslateTarget:  "ja",
		TranslateTimeout: 5 * time.Second,
		CensorChar:       "*",
		DirectoryRefresh: 30 * time.Second,
		LogLevel:         "INFO",
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LANCON_LISTEN_ADDR", ":9000")
	t.Setenv("LANCON_STORE_DRIVER", "Postgres")
	t.Setenv("LANCON_DB_URL", "postgres://user@localhost/db")
	t.Setenv("LANCON_JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("LANCON_PING_INTERVAL", "0s")
	t.Setenv("LANCON_TOKEN_TTL", "1h")
	t.Setenv("LANCON_ALLOWED_ORIGINS", "a.example, b.example,,a.example")
	t.Setenv("LANCON_CENSORED_WORDS", "badger , snake")
	t.Setenv("LANCON_LOG_LEVEL", "debug")
	t.Setenv("LANCON_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("LANCON_TLS_KEY", "/tmp/key.pem")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("StoreDriver = %q", cfg.StoreDriver)
	}
	if cfg.PingInterval != 0 || cfg.TokenTTL != time.Hour {
		t.Fatalf("durations = %v, %v", cfg.PingInterval, cfg.TokenTTL)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if got := strings.Join(cfg.Origins(), "|"); got != "a.example|b.example" {
		t.Fatalf("Origins() = %q", got)
	}
	if got := strings.Join(cfg.Words(), "|"); got != "badger|snake" {
		t.Fatalf("Words() = %q", got)
	}
	if !cfg.TLSEnabled() {
		t.Fatal("expected tls enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("LANCON_JWT_SECRET", "0123456789abcdef")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.ListenAddr != ":8000" || cfg.WSPath != "/ws" {
		t.Fatalf("addr/path = %q %q", cfg.ListenAddr, cfg.WSPath)
	}
	if cfg.StoreDriver != StoreDriverPostgres {
		t.Fatalf("StoreDriver = %q", cfg.StoreDriver)
	}
	if cfg.AuthTimeout != 5*time.Second || cfg.PingInterval != 30*time.Second || cfg.WriteTimeout != 5*time.Second {
		t.Fatalf("timeouts = %v %v %v", cfg.AuthTimeout, cfg.PingInterval, cfg.WriteTimeout)
	}
	if cfg.TokenTTL != 30*time.Minute || cfg.DirectoryRefresh != 30*time.Second {
		t.Fatalf("ttl/refresh = %v %v", cfg.TokenTTL, cfg.DirectoryRefresh)
	}
	if cfg.MaxFrameBytes != 65536 || cfg.TranslateTarget != "ja" || cfg.CensorChar != "*" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if got := cfg.Origins(); len(got) != 1 || got[0] != "localhost:3000" {
		t.Fatalf("Origins() = %v", got)
	}
	if cfg.TLSEnabled() || cfg.TranslationEnabled() {
		t.Fatal("tls and translation should be off by default")
	}
	// postgres without a url is not a valid setup
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing db url")
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty", func(c *Config) { *c = Config{} }},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }},
		{"unknown driver", func(c *Config) { c.StoreDriver = "sqlite" }},
		{"postgres without url", func(c *Config) { c.StoreDriver = StoreDriverPostgres }},
		{"badger without path", func(c *Config) { c.StoreDriver = StoreDriverBadger }},
		{"relative ws path", func(c *Config) { c.WSPath = "ws" }},
		{"zero auth timeout", func(c *Config) { c.AuthTimeout = 0 }},
		{"negative ping", func(c *Config) { c.PingInterval = -time.Second }},
		{"bad log level", func(c *Config) { c.LogLevel = "LOUD" }},
		{"bad translate url", func(c *Config) { c.TranslateURL = "not a url" }},
		{"tls cert only", func(c *Config) { c.TLSCertPath = "/tmp/cert.pem" }},
		{"tls key only", func(c *Config) { c.TLSKeyPath = "/tmp/key.pem" }},
		{"multi-rune censor char", func(c *Config) { c.CensorChar = "**" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidate_StoreDrivers(t *testing.T) {
	cfg := validConfig()
	cfg.StoreDriver = StoreDriverBadger
	cfg.BadgerPath = "/var/lib/lancon"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("badger config: %v", err)
	}

	cfg = validConfig()
	cfg.StoreDriver = StoreDriverPostgres
	cfg.DBURL = "postgres://localhost/lancon"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("postgres config: %v", err)
	}
}

func TestCensorRune(t *testing.T) {
	cfg := validConfig()
	cfg.CensorChar = "█"
	r, err := cfg.CensorRune()
	if err != nil || r != '█' {
		t.Fatalf("CensorRune() = %q, %v", r, err)
	}
}
