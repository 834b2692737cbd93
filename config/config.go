// Package config resolves the active environment and loads process settings
// from .env files and the process environment into an immutable Settings
// struct.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrCrossEnvCredentials is the fatal boot error raised when a prod process
// resolves a dev database host.
var ErrCrossEnvCredentials = errors.New("PROD CONFIG LOADED DEV CREDENTIALS")

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

// devHostPatterns identify hosts that are only ever used by dev stacks. A
// prod process whose DSN points at one of these is running with the wrong
// credentials and must not boot.
var devHostPatterns = []string{
	"localhost",
	"127.0.0.1",
	"host.docker.internal",
	".dev.",
	"-dev.",
	"dev-",
}

// Settings is the immutable process configuration. Build it once with Load
// and pass it by pointer; nothing mutates it after boot.
type Settings struct {
	ActiveEnv    string `validate:"required,oneof=dev prod"`
	SupabaseMode string
	Environment  string

	DatabaseURL string
	LegacyDBURL bool // DATABASE_URL absent, SUPABASE_DB_URL used instead

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseAnonKey        string

	APIKey    string
	JWTSecret string

	CORSOrigins []string

	DiscordWebhookURL string

	RedisURL string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool

	WatchDirs []string

	LogLevel string
	Host     string
	Port     int `validate:"gte=0,lte=65535"`

	GitSHA string
}

// ShaShort returns the first 8 characters of the build SHA, or "unknown".
func (s *Settings) ShaShort() string {
	if s.GitSHA == "" {
		return "unknown"
	}
	if len(s.GitSHA) > 8 {
		return s.GitSHA[:8]
	}
	return s.GitSHA
}

// ResolveEnv determines the active environment by priority: explicit
// parameter > --env flag value > DRAGONFLY_ENV > ENVIRONMENT > dev.
func ResolveEnv(explicit, flagValue string) string {
	for _, candidate := range []string{explicit, flagValue, os.Getenv("DRAGONFLY_ENV"), os.Getenv("ENVIRONMENT")} {
		c := strings.ToLower(strings.TrimSpace(candidate))
		if c == EnvDev || c == EnvProd {
			return c
		}
	}
	return EnvDev
}

// Load builds Settings for the given environment. Variables come from the
// process environment first, then from .env.<env> for anything unset. A
// missing env file is fine. A missing or malformed DATABASE_URL is NOT an
// error here; the caller routes that into the no-config readiness path. The
// only fatal condition is the cross-environment credential guard.
func Load(env string) (*Settings, error) {
	fileVars := map[string]string{}
	if vars, err := parseEnvFile(".env." + env); err == nil {
		fileVars = vars
	}

	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return fileVars[key]
	}

	s := &Settings{
		ActiveEnv:    env,
		SupabaseMode: env,
		Environment:  env,

		SupabaseURL:            lookup("SUPABASE_URL"),
		SupabaseServiceRoleKey: lookup("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseAnonKey:        lookup("SUPABASE_ANON_KEY"),

		APIKey:    lookup("DRAGONFLY_API_KEY"),
		JWTSecret: lookup("SUPABASE_JWT_SECRET"),

		LogLevel: strings.ToLower(lookup("LOG_LEVEL")),
		Host:     lookup("HOST"),
	}

	s.DatabaseURL = lookup("DATABASE_URL")
	if s.DatabaseURL == "" {
		if legacy := lookup("SUPABASE_DB_URL"); legacy != "" {
			s.DatabaseURL = legacy
			s.LegacyDBURL = true
		}
	}

	if origins := lookup("DRAGONFLY_CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.CORSOrigins = append(s.CORSOrigins, o)
			}
		}
	}

	if port := lookup("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			s.Port = n
		}
	}
	if s.Port == 0 {
		s.Port = 8000
	}
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}

	s.DiscordWebhookURL = lookup("DRAGONFLY_DISCORD_WEBHOOK")

	s.RedisURL = lookup("REDIS_URL")
	s.MinioEndpoint = lookup("MINIO_ENDPOINT")
	s.MinioAccessKey = lookup("MINIO_ACCESS_KEY")
	s.MinioSecretKey = lookup("MINIO_SECRET_KEY")
	s.MinioUseSSL = strings.EqualFold(lookup("MINIO_USE_SSL"), "true")

	if dirs := lookup("DRAGONFLY_WATCH_DIRS"); dirs != "" {
		for _, d := range strings.Split(dirs, ",") {
			if d = strings.TrimSpace(d); d != "" {
				s.WatchDirs = append(s.WatchDirs, d)
			}
		}
	}

	s.GitSHA = lookup("GIT_SHA")
	if s.GitSHA == "" {
		s.GitSHA = lookup("RENDER_GIT_COMMIT")
	}

	if err := guardCrossEnv(s); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// guardCrossEnv terminates boot when a prod process carries dev database
// credentials. The symmetric case (dev pointing at prod) is allowed; it is
// how operators debug against production replicas.
func guardCrossEnv(s *Settings) error {
	if s.ActiveEnv != EnvProd || s.DatabaseURL == "" {
		return nil
	}
	u, err := url.Parse(strings.TrimSpace(s.DatabaseURL))
	if err != nil {
		return nil // malformed DSNs are handled by the sanitizer, not here
	}
	host := strings.ToLower(u.Hostname())
	for _, pattern := range devHostPatterns {
		if strings.Contains(host, pattern) {
			return fmt.Errorf("%w: db host %q matches dev pattern %q", ErrCrossEnvCredentials, host, pattern)
		}
	}
	return nil
}

// parseEnvFile reads KEY=VALUE lines. Blank lines and #-comments are
// skipped; values may be quoted and an optional "export " prefix is
// tolerated.
func parseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vars := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		if key != "" {
			vars[key] = value
		}
	}
	return vars, scanner.Err()
}
