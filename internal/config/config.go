package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverBadger   = "badger"
	StoreDriverMemory   = "memory"
)

type Config struct {
	ListenAddr       string        `env:"LANCON_LISTEN_ADDR,default=:8000" validate:"required"`
	WSPath           string        `env:"LANCON_WS_PATH,default=/ws" validate:"required,startswith=/"`
	StoreDriver      string        `env:"LANCON_STORE_DRIVER,default=postgres" validate:"oneof=postgres badger memory"`
	DBURL            string        `env:"LANCON_DB_URL" validate:"required_if=StoreDriver postgres"`
	BadgerPath       string        `env:"LANCON_BADGER_PATH" validate:"required_if=StoreDriver badger"`
	JWTSecret        string        `env:"LANCON_JWT_SECRET" validate:"required,min=16"`
	JWTIssuer        string        `env:"LANCON_JWT_ISSUER,default=lancon"`
	TokenTTL         time.Duration `env:"LANCON_TOKEN_TTL,default=30m" validate:"gt=0"`
	AuthTimeout      time.Duration `env:"LANCON_AUTH_TIMEOUT,default=5s" validate:"gt=0"`
	PingInterval     time.Duration `env:"LANCON_PING_INTERVAL,default=30s" validate:"gte=0"`
	WriteTimeout     time.Duration `env:"LANCON_WRITE_TIMEOUT,default=5s" validate:"gt=0"`
	MaxFrameBytes    int           `env:"LANCON_MAX_FRAME_BYTES,default=65536" validate:"gt=0"`
	AllowedOrigins   string        `env:"LANCON_ALLOWED_ORIGINS,default=localhost:3000"`
	TranslateURL     string        `env:"LANCON_TRANSLATE_URL" validate:"omitempty,url"`
	TranslateAPIKey  string        `env:"LANCON_TRANSLATE_API_KEY"`
	TranslateTarget  string        `env:"LANCON_TRANSLATE_TARGET,default=ja" validate:"required"`
	TranslateTimeout time.Duration `env:"LANCON_TRANSLATE_TIMEOUT,default=5s" validate:"gt=0"`
	CensoredWords    string        `env:"LANCON_CENSORED_WORDS"`
	CensorChar       string        `env:"LANCON_CENSOR_CHAR,default=*"`
	DirectoryRefresh time.Duration `env:"LANCON_DIRECTORY_REFRESH,default=30s" validate:"gt=0"`
	LogLevel         string        `env:"LANCON_LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
	TLSCertPath      string        `env:"LANCON_TLS_CERT"`
	TLSKeyPath       string        `env:"LANCON_TLS_KEY"`
}

var validate = validator.New()

func LoadFromEnv() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(cfg.LogLevel))
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid %s: failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	if _, err := c.CensorRune(); err != nil {
		return err
	}
	return nil
}

// Origins splits the comma separated origin list.
func (c Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

// Words splits the comma separated censor list.
func (c Config) Words() []string {
	return splitList(c.CensoredWords)
}

func (c Config) CensorRune() (rune, error) {
	r := []rune(c.CensorChar)
	if len(r) != 1 {
		return 0, fmt.Errorf("censor char must be a single character, got %q", c.CensorChar)
	}
	return r[0], nil
}

func (c Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

func (c Config) TranslationEnabled() bool {
	return c.TranslateAPIKey != "" || c.TranslateURL != ""
}

func splitList(raw string) []string {
	return lo.Uniq(lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	})))
}
