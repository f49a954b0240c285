package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetEnvWithDefault(t *testing.T) {
	const key = "TEST_APP_PORT"

	// 环境变量未设置时，应该返回默认值
	t.Setenv(key, "")
	if got := getEnv(key, "9000"); got != "9000" {
		t.Fatalf("getEnv(%q) = %q, want %q", key, got, "9000")
	}

	// 环境变量设置后，应优先返回环境变量
	t.Setenv(key, "8080")
	if got := getEnv(key, "9000"); got != "8080" {
		t.Fatalf("getEnv(%q) = %q, want %q", key, got, "8080")
	}
}

func TestGetEnvIntAndDuration(t *testing.T) {
	t.Setenv("TEST_PARALLELISM", "abc")
	require.Equal(t, 2, getEnvInt("TEST_PARALLELISM", 2))
	t.Setenv("TEST_PARALLELISM", "-3")
	require.Equal(t, 2, getEnvInt("TEST_PARALLELISM", 2))
	t.Setenv("TEST_PARALLELISM", "6")
	require.Equal(t, 6, getEnvInt("TEST_PARALLELISM", 2))

	t.Setenv("TEST_DELAY", "")
	require.Equal(t, time.Second, getEnvDuration("TEST_DELAY", time.Second))
	t.Setenv("TEST_DELAY", "250ms")
	require.Equal(t, 250*time.Millisecond, getEnvDuration("TEST_DELAY", time.Second))
}

func TestLoadReadsMongoKeyFromEnv(t *testing.T) {
	t.Setenv("MONGODB_KEY", "mongodb://env-host:27017")
	t.Setenv("MONGODB_KEY_FILE", "")
	t.Setenv("APP_PORT", "1234")
	t.Setenv("APP_BASIC_USER", "user")
	t.Setenv("APP_BASIC_PASS", "pass")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "user", cfg.BasicAuthUser)
	require.Equal(t, "pass", cfg.BasicAuthPass)
	require.Equal(t, "mongodb://env-host:27017", cfg.MongoURI)
	require.Equal(t, "1234", cfg.AppPort)
	require.Equal(t, "My_Database", cfg.MongoDatabase)
	require.Equal(t, "Economist", cfg.MongoCollection)
}

func TestLoadAcceptsLegacyKeyName(t *testing.T) {
	t.Setenv("MONGODB_KEY", "")
	t.Setenv("Mongodb_key", "mongodb://legacy:27017")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "mongodb://legacy:27017", cfg.MongoURI)
}

func TestLoadReadsCredentialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mongo.key")
	require.NoError(t, os.WriteFile(path, []byte("\n  mongodb://file-host:27017  \n"), 0o600))

	t.Setenv("MONGODB_KEY", "")
	t.Setenv("Mongodb_key", "")
	t.Setenv("MONGODB_KEY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "mongodb://file-host:27017", cfg.MongoURI)
}

func TestLoadMissingMongoURI(t *testing.T) {
	t.Setenv("MONGODB_KEY", "")
	t.Setenv("Mongodb_key", "")
	t.Setenv("MONGODB_KEY_FILE", "")

	_, err := Load()
	require.True(t, errors.Is(err, ErrMissingMongoURI), "err = %v", err)

	empty := filepath.Join(t.TempDir(), "empty.key")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))
	t.Setenv("MONGODB_KEY_FILE", empty)
	_, err = Load()
	require.ErrorIs(t, err, ErrMissingMongoURI)
}

func TestSpidersFileReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SPIDERS_FILE=/etc/economist/spiders.yaml\n"), 0o600))
	t.Chdir(dir)

	// godotenv 不覆盖已存在的变量，先确保未设置
	t.Setenv("SPIDERS_FILE", "")
	require.NoError(t, os.Unsetenv("SPIDERS_FILE"))

	require.Equal(t, "/etc/economist/spiders.yaml", SpidersFile())
}
