package puddlesbot

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultStartupTimeout, cfg.StartupTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultDuckAPIURL, cfg.DuckAPIURL)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, DefaultDatabaseLogLevel, cfg.DatabaseLogLevel.Level())

	require.NotNil(t, cfg.Reminder)
	assert.Equal(t, DefaultReminderInterval, cfg.Reminder.Interval)
	assert.Equal(t, DefaultReminderDispatchTimeout, cfg.Reminder.DispatchTimeout)
	assert.Empty(t, cfg.Reminder.BackupDir)
	assert.Equal(t, DefaultBackupKeep, cfg.Reminder.BackupKeep)

	require.NotNil(t, cfg.Resolver)
	assert.Equal(t, DefaultResolverMaxConcurrent, cfg.Resolver.MaxConcurrent)
	assert.Equal(t, DefaultResolverLookupTimeout, cfg.Resolver.LookupTimeout)
	assert.Equal(
		t,
		DefaultResolverRequestsPerSecond,
		cfg.Resolver.RequestsPerSecond,
	)

	require.NotNil(t, cfg.Discord)
	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)
	assert.Equal(t, DefaultDiscordCustomStatus, cfg.Discord.CustomStatus)
	assert.Equal(t, DefaultDiscordgoLogLevel, cfg.Discord.DiscordGoLogLevel.Level())

	require.NotNil(t, cfg.API)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, defaultListenNetwork, cfg.API.ListenNetwork)
	assert.Equal(t, DefaultAPISessionMaxAge, cfg.API.SessionMaxAge)
	assert.False(t, cfg.API.Development)
	assert.Equal(t, DefaultCORSAllowMethods, cfg.API.CORS.AllowMethods)
	assert.True(t, cfg.API.CORS.AllowCredentials)
}

func TestCORSConfigGINConfig(t *testing.T) {
	t.Parallel()
	c := CORSConfig{
		AllowOrigins:     []string{"https://dashboard.example.com"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}
	ginCfg := c.GINConfig()
	assert.Equal(t, c.AllowOrigins, ginCfg.AllowOrigins)
	assert.Equal(t, c.AllowMethods, ginCfg.AllowMethods)
	assert.Equal(t, c.AllowHeaders, ginCfg.AllowHeaders)
	assert.Equal(t, c.MaxAge, ginCfg.MaxAge)
	assert.True(t, ginCfg.AllowCredentials)
}

func TestConfigLogValueRedaction(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"

	attrs := map[string]slog.Value{}
	for _, attr := range structToSlogValue(*cfg.Discord).Group() {
		attrs[attr.Key] = attr.Value
	}
	require.Contains(t, attrs, "token")
	assert.Equal(t, "[redacted]", attrs["token"].String())
	assert.NotContains(t, attrs["token"].String(), "super-secret")
}
