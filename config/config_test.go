package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnvPrecedence(t *testing.T) {
	t.Setenv("DRAGONFLY_ENV", "prod")
	t.Setenv("ENVIRONMENT", "dev")

	assert.Equal(t, "dev", ResolveEnv("dev", "prod"), "explicit wins over flag and env")
	assert.Equal(t, "prod", ResolveEnv("", "prod"), "flag wins over env vars")
	assert.Equal(t, "prod", ResolveEnv("", ""), "DRAGONFLY_ENV wins over ENVIRONMENT")

	t.Setenv("DRAGONFLY_ENV", "")
	assert.Equal(t, "dev", ResolveEnv("", ""), "ENVIRONMENT is the fallback")

	t.Setenv("ENVIRONMENT", "")
	assert.Equal(t, "dev", ResolveEnv("", ""), "default is dev")

	assert.Equal(t, "dev", ResolveEnv("staging", ""), "unknown values are ignored")
}

func TestLoadWithoutDatabaseURLDoesNotFail(t *testing.T) {
	clearDragonflyEnv(t)

	s, err := Load("dev")
	require.NoError(t, err, "missing DATABASE_URL is a degraded boot, not an error")
	assert.Empty(t, s.DatabaseURL)
	assert.Equal(t, "dev", s.ActiveEnv)
	assert.Equal(t, "dev", s.SupabaseMode)
	assert.Equal(t, "dev", s.Environment)
	assert.Equal(t, 8000, s.Port)
}

func TestLoadLegacyDSNVariable(t *testing.T) {
	clearDragonflyEnv(t)
	t.Setenv("SUPABASE_DB_URL", "postgres://app:pw@db.example.com/judgments")

	s, err := Load("dev")
	require.NoError(t, err)
	assert.True(t, s.LegacyDBURL)
	assert.Equal(t, "postgres://app:pw@db.example.com/judgments", s.DatabaseURL)

	t.Setenv("DATABASE_URL", "postgres://app:pw@primary.example.com/judgments")
	s, err = Load("dev")
	require.NoError(t, err)
	assert.False(t, s.LegacyDBURL, "DATABASE_URL takes precedence")
	assert.Contains(t, s.DatabaseURL, "primary.example.com")
}

func TestCrossEnvGuard(t *testing.T) {
	clearDragonflyEnv(t)

	tests := []struct {
		name    string
		env     string
		dsn     string
		wantErr bool
	}{
		{"prod with localhost dsn", "prod", "postgres://app:pw@localhost:5432/judgments", true},
		{"prod with loopback dsn", "prod", "postgres://app:pw@127.0.0.1/judgments", true},
		{"prod with dev-pattern host", "prod", "postgres://app:pw@db.dev.example.com/judgments", true},
		{"prod with prod host", "prod", "postgres://app:pw@db.example.com/judgments", false},
		{"dev with prod host is allowed", "dev", "postgres://app:pw@db.example.com/judgments", false},
		{"dev with localhost is allowed", "dev", "postgres://app:pw@localhost/judgments", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", tt.dsn)
			_, err := Load(tt.env)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrCrossEnvCredentials)
				assert.Contains(t, err.Error(), "PROD CONFIG LOADED DEV CREDENTIALS")
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEnvFileFillsUnsetOnly(t *testing.T) {
	clearDragonflyEnv(t)

	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env.dev")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"# comment\n"+
			"DRAGONFLY_API_KEY=from-file\n"+
			"LOG_LEVEL=\"debug\"\n"+
			"export PORT=9000\n"+
			"broken line without equals\n",
	), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("DRAGONFLY_API_KEY", "from-process-env")

	s, err := Load("dev")
	require.NoError(t, err)
	assert.Equal(t, "from-process-env", s.APIKey, "process env wins")
	assert.Equal(t, "debug", s.LogLevel, "quoted file value unquoted")
	assert.Equal(t, 9000, s.Port, "export prefix tolerated")
}

func TestLoadMissingEnvFileIsFine(t *testing.T) {
	clearDragonflyEnv(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	_, err = Load("prod")
	require.NoError(t, err)
}

func TestCORSOriginsParsing(t *testing.T) {
	clearDragonflyEnv(t)
	t.Setenv("DRAGONFLY_CORS_ORIGINS", "https://app.example.com, https://staging.example.com ,")

	s, err := Load("dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "https://staging.example.com"}, s.CORSOrigins)
}

func TestWatchDirsParsing(t *testing.T) {
	clearDragonflyEnv(t)
	t.Setenv("DRAGONFLY_WATCH_DIRS", "/srv/drop/simplicity, /srv/drop/jbi ,")

	s, err := Load("dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/drop/simplicity", "/srv/drop/jbi"}, s.WatchDirs)
}

func TestShaShort(t *testing.T) {
	s := &Settings{GitSHA: "0123456789abcdef"}
	assert.Equal(t, "01234567", s.ShaShort())
	s.GitSHA = "abc"
	assert.Equal(t, "abc", s.ShaShort())
	s.GitSHA = ""
	assert.Equal(t, "unknown", s.ShaShort())
}

func clearDragonflyEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "SUPABASE_DB_URL", "SUPABASE_URL", "SUPABASE_SERVICE_ROLE_KEY",
		"SUPABASE_ANON_KEY", "DRAGONFLY_API_KEY", "SUPABASE_JWT_SECRET",
		"DRAGONFLY_CORS_ORIGINS", "DRAGONFLY_DISCORD_WEBHOOK", "LOG_LEVEL", "HOST", "PORT", "GIT_SHA",
		"RENDER_GIT_COMMIT", "DRAGONFLY_ENV", "ENVIRONMENT", "REDIS_URL",
		"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_USE_SSL",
		"DRAGONFLY_WATCH_DIRS",
	} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}
