package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/academy-ledger/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	os.Unsetenv("STORE_DRIVER")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "branch", cfg.CounterScope)
	assert.Equal(t, "5 0 * * *", cfg.AttendanceSchedule)
	assert.Equal(t, 30*time.Minute, cfg.JobTimeout)
	assert.Equal(t, []string{"*"}, cfg.Origins())
}

func TestLoad_EnvFile(t *testing.T) {
	// GIVEN: A dotenv file and one variable already set
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"STORE_DRIVER=memory\nTIME_ZONE=UTC\nCORS_ORIGINS=https://a.example, https://b.example\nJOB_TIMEOUT=5m\n",
	), 0o600))
	t.Setenv("TIME_ZONE", "America/Lima")
	t.Cleanup(func() {
		os.Unsetenv("STORE_DRIVER")
		os.Unsetenv("CORS_ORIGINS")
		os.Unsetenv("JOB_TIMEOUT")
	})

	// WHEN: Loading it
	cfg, err := config.Load(path)
	require.NoError(t, err)

	// THEN: File values apply, the environment wins
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "America/Lima", cfg.TimeZone)
	assert.Equal(t, "America/Lima", cfg.Location().String())
	assert.Equal(t, 5*time.Minute, cfg.JobTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins())
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.env"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		return config.Config{
			StoreDriver:        "memory",
			CounterScope:       "branch",
			CounterBackend:     "store",
			TimeZone:           "UTC",
			AttendanceSchedule: "5 0 * * *",
			ExpirationSchedule: "0 1 * * *",
			JobTimeout:         time.Minute,
		}
	}

	cases := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{"valid", func(*config.Config) {}, ""},
		{"unknown driver", func(c *config.Config) { c.StoreDriver = "postgres" }, "STORE_DRIVER"},
		{"mongo without uri", func(c *config.Config) { c.StoreDriver = "mongo" }, "MONGO_URI"},
		{"bad scope", func(c *config.Config) { c.CounterScope = "tenant" }, "COUNTER_SCOPE"},
		{"redis without address", func(c *config.Config) { c.CounterBackend = "redis" }, "REDIS_ADDRESS"},
		{"bad zone", func(c *config.Config) { c.TimeZone = "Mars/Olympus" }, "TIME_ZONE"},
		{"bad cron", func(c *config.Config) { c.ExpirationSchedule = "every day" }, "EXPIRATION_SCHEDULE"},
		{"zero timeout", func(c *config.Config) { c.JobTimeout = 0 }, "JOB_TIMEOUT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}
