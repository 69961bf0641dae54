package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/bgdnvk/stormcloud/internal/config"
	"github.com/bgdnvk/stormcloud/internal/permissions"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper() *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	config.BindEnv(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(newViper())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, permissions.DefaultAPIs, cfg.Permissions.APIs)
	assert.Equal(t, permissions.DefaultKeys(), cfg.Permissions.Keys())
	assert.Equal(t, 3, cfg.Autofix.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Deploy.Timeout)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Demo)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORMCLOUD_SERVER_PORT", "9090")
	t.Setenv("STORMCLOUD_PERMISSIONS_APIS", "run.googleapis.com, cloudbuild.googleapis.com")
	t.Setenv("STORMCLOUD_DEPLOY_PHASE_TIMEOUT", "90s")
	t.Setenv("STORMCLOUD_DEMO", "true")

	cfg, err := config.Load(newViper())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, []string{"run.googleapis.com", "cloudbuild.googleapis.com"}, cfg.Permissions.APIs)
	assert.Equal(t, 90*time.Second, cfg.Deploy.PhaseTimeout)
	assert.True(t, cfg.Demo)
}

func TestLoad_File(t *testing.T) {
	v := newViper()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
log:
  format: json
autofix:
  max_attempts: 5
archive:
  bucket: deploy-history
debug: true
`)))

	cfg, err := config.Load(v)
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Autofix.MaxAttempts)
	assert.Equal(t, "deploy-history", cfg.Archive.Bucket)
	assert.Equal(t, "sessions", cfg.Archive.Prefix)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("log format", func(t *testing.T) {
		v := newViper()
		v.Set("log.format", "xml")
		_, err := config.Load(v)
		assert.ErrorContains(t, err, "invalid log format")
	})

	t.Run("max attempts", func(t *testing.T) {
		v := newViper()
		v.Set("autofix.max_attempts", 0)
		_, err := config.Load(v)
		assert.ErrorContains(t, err, "autofix.max_attempts")

		v.Set("autofix.max_attempts", 500)
		_, err = config.Load(v)
		assert.ErrorContains(t, err, "autofix.max_attempts")
	})

	t.Run("phase timeout", func(t *testing.T) {
		v := newViper()
		v.Set("deploy.phase_timeout", "0s")
		_, err := config.Load(v)
		assert.ErrorContains(t, err, "deploy.phase_timeout")
	})
}
