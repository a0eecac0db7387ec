package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/EcoEngineDev/PuddlesBot/puddlesbot"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

PB_DATABASE=/home/foo/puddlesbot.sqlite3
PB_DATABASE_TYPE=sqlite
PB_DATABASE_LOG_LEVEL=INFO
PB_DATABASE_SLOW_THRESHOLD=200ms
PB_LOG_LEVEL=INFO
PB_STARTUP_TIMEOUT=30s
PB_SHUTDOWN_TIMEOUT=60s
PB_DUCK_API_URL=https://random-d.uk/api/v2/random

# Reminder scheduler

PB_REMINDER_INTERVAL=2m
PB_REMINDER_DISPATCH_TIMEOUT=10s
PB_REMINDER_BACKUP_DIR=/var/backups/puddlesbot
PB_REMINDER_BACKUP_INTERVAL=4h
PB_REMINDER_BACKUP_KEEP=12

# Display name resolver

PB_RESOLVER_MAX_CONCURRENT=8
PB_RESOLVER_LOOKUP_TIMEOUT=3s
PB_RESOLVER_REQUESTS_PER_SECOND=5

# Discord bot config

PB_DISCORD_TOKEN=your-discord-bot-token
PB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
PB_DISCORD_GUILD_ID=
PB_DISCORD_LOG_LEVEL=WARN
PB_DISCORD_DISCORDGO_LOG_LEVEL=WARN
PB_DISCORD_CUSTOM_STATUS="quack!"
PB_DISCORD_GATEWAY_INTENTS=3243773

# API server

PB_API_LISTEN=127.0.0.1:5000
PB_API_LISTEN_NETWORK=tcp
PB_API_SECRET=your-api-secret
PB_API_LOG_LEVEL=DEBUG
PB_API_DEVELOPMENT=true
PB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
PB_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
PB_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
PB_API_CORS_ALLOW_CREDENTIALS=true
PB_API_CORS_MAX_AGE=12h
PB_API_READ_TIMEOUT=5s
PB_API_READ_HEADER_TIMEOUT=5s
PB_API_WRITE_TIMEOUT=10s
PB_API_IDLE_TIMEOUT=30s
PB_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/puddlesbot.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/puddlesbot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, 2*time.Minute, viper.GetDuration("reminder.interval"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("reminder.dispatch_timeout"))
	assert.Equal(t, "/var/backups/puddlesbot", viper.GetString("reminder.backup_dir"))
	assert.Equal(t, 4*time.Hour, viper.GetDuration("reminder.backup_interval"))
	assert.Equal(t, 12, viper.GetInt("reminder.backup_keep"))

	assert.Equal(t, 8, viper.GetInt("resolver.max_concurrent"))
	assert.Equal(t, 3*time.Second, viper.GetDuration("resolver.lookup_timeout"))
	assert.Equal(t, float64(5), viper.GetFloat64("resolver.requests_per_second"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "quack!", viper.GetString("discord.custom_status"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "tcp", viper.GetString("api.listen_network"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.True(t, viper.GetBool("api.development"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into a puddlesbot.Config struct
	var config puddlesbot.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/puddlesbot.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, 2*time.Minute, config.Reminder.Interval)
	assert.Equal(t, 10*time.Second, config.Reminder.DispatchTimeout)
	assert.Equal(t, "/var/backups/puddlesbot", config.Reminder.BackupDir)
	assert.Equal(t, 4*time.Hour, config.Reminder.BackupInterval)
	assert.Equal(t, 12, config.Reminder.BackupKeep)

	assert.Equal(t, 8, config.Resolver.MaxConcurrent)
	assert.Equal(t, 3*time.Second, config.Resolver.LookupTimeout)
	assert.Equal(t, float64(5), config.Resolver.RequestsPerSecond)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "quack!", config.Discord.CustomStatus)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "tcp", config.API.ListenNetwork)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.True(t, config.API.Development)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)
}
