package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/amorelay/internal/amocrm"
)

const (
	DefaultAddr              = ":8080"
	DefaultHTTPTimeout       = 20 * time.Second
	DefaultRequestsPerSecond = 7
	DefaultDedupDSN          = "memory://"
	DefaultRateLimitWindow   = time.Minute
	DefaultMaxBodyBytes      = 1 << 20
	DefaultWebhookTimeout    = 2 * time.Minute
)

type Settings struct {
	AMO      amocrm.Config `yaml:"amo"`
	Timezone string        `yaml:"timezone"`

	Addr              string        `yaml:"addr"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	DedupDSN          string        `yaml:"dedup_dsn"`
	DedupTTL          time.Duration `yaml:"dedup_ttl"`
	AdminJWTSecret    string        `yaml:"admin_jwt_secret"`
	RateLimitMax      int           `yaml:"rate_limit_max"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	WebhookTimeout    time.Duration `yaml:"webhook_timeout"`
}

func Defaults() Settings {
	return Settings{
		Addr:              DefaultAddr,
		HTTPTimeout:       DefaultHTTPTimeout,
		RequestsPerSecond: DefaultRequestsPerSecond,
		DedupDSN:          DefaultDedupDSN,
		DedupTTL:          amocrm.DefaultDedupTTL,
		RateLimitWindow:   DefaultRateLimitWindow,
		MaxBodyBytes:      DefaultMaxBodyBytes,
		WebhookTimeout:    DefaultWebhookTimeout,
	}
}

// Load builds Settings from, in increasing precedence: defaults, the YAML file
// named by AMORELAY_CONFIG_FILE, and the environment. A .env file in the
// working directory is loaded into the environment first without overriding
// variables that are already set.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("ignoring .env file: %v", err)
	}
	s := Defaults()
	if path := strings.TrimSpace(os.Getenv("AMORELAY_CONFIG_FILE")); path != "" {
		if err := s.mergeFile(path); err != nil {
			return Settings{}, err
		}
	}
	s.applyEnv()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (s *Settings) applyEnv() {
	s.AMO.ClientID = envOrDefault("AMO_CLIENT_ID", s.AMO.ClientID)
	s.AMO.ClientSecret = envOrDefault("AMO_CLIENT_SECRET", s.AMO.ClientSecret)
	s.AMO.RedirectURI = envOrDefault("AMO_REDIRECT_URI", s.AMO.RedirectURI)
	s.AMO.Domain = envOrDefault("AMO_DOMAIN", s.AMO.Domain)
	s.AMO.TokenPath = envOrDefault("AMO_TOKEN_PATH", s.AMO.TokenPath)
	s.AMO.AuthorizeURL = envOrDefault("AMO_AUTHORIZE_URL", s.AMO.AuthorizeURL)
	s.AMO.BaseURL = envOrDefault("AMO_BASE_URL", s.AMO.BaseURL)
	s.Timezone = envOrDefault("AMO_TIMEZONE", s.Timezone)

	s.Addr = envOrDefault("AMORELAY_ADDR", s.Addr)
	s.HTTPTimeout = durationEnv("AMORELAY_HTTP_TIMEOUT", s.HTTPTimeout)
	s.RequestsPerSecond = floatEnv("AMORELAY_REQUESTS_PER_SECOND", s.RequestsPerSecond)
	s.DedupDSN = envOrDefault("AMORELAY_DEDUP_DSN", s.DedupDSN)
	s.DedupTTL = durationEnv("AMORELAY_DEDUP_TTL", s.DedupTTL)
	s.AdminJWTSecret = envOrDefault("AMORELAY_ADMIN_JWT_SECRET", s.AdminJWTSecret)
	s.RateLimitMax = intEnv("AMORELAY_RATE_LIMIT_MAX", s.RateLimitMax)
	s.RateLimitWindow = durationEnv("AMORELAY_RATE_LIMIT_WINDOW", s.RateLimitWindow)
	s.MaxBodyBytes = int64Env("AMORELAY_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.WebhookTimeout = durationEnv("AMORELAY_WEBHOOK_TIMEOUT", s.WebhookTimeout)
}

func (s Settings) Validate() error {
	if err := s.AMO.Validate(); err != nil {
		return err
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", amocrm.ErrInvalidConfig, s.Timezone, err)
	}
	return nil
}

// Location resolves Timezone; an empty value means the process local zone.
func (s Settings) Location() (*time.Location, error) {
	name := strings.TrimSpace(s.Timezone)
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %g", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
