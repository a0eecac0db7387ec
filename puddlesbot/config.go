//nolint:lll // struct tags can't be split
package puddlesbot

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "PUDDLESBOT_ENV_PREFIX"
	DefaultEnvPrefix   = "PB"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "puddlesbot.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReminderInterval        = 5 * time.Minute
	DefaultReminderDispatchTimeout = 15 * time.Second
	DefaultBackupInterval          = 6 * time.Hour
	DefaultBackupKeep              = 8

	DefaultResolverMaxConcurrent     = 10
	DefaultResolverLookupTimeout     = 5 * time.Second
	DefaultResolverRequestsPerSecond float64 = 10

	DefaultPageSize = 5

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordCustomStatus  = "quack!"

	DefaultAPIListen                = "127.0.0.1:5000"
	DefaultAPILogLevel              = slog.LevelInfo
	DefaultAPISessionMaxAge         = 6 * time.Hour
	DefaultReadTimeout              = 5 * time.Second
	DefaultReadHeaderTimeout        = 5 * time.Second
	DefaultWriteTimeout             = 10 * time.Second
	DefaultIdleTimeout              = 30 * time.Second
	defaultListenNetwork            = "tcp"
	DefaultCORSMaxAge               = 12 * time.Hour
	DefaultCORSAllowCredentials     = true
	DefaultDuckAPIURL               = "https://random-d.uk/api/v2/random"
	defaultErrorMessage     = "sorry, something went wrong!"
	discordMaxMessageLength = 2000
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
	}
)

// Config is the top-level bot configuration, loaded once at startup.
// Settings an operator may want to change without a restart live in
// [RuntimeConfig] instead.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time the bot has to initialize. If it's
	// exceeded, startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Reminder configures the due-date reminder scheduler
	Reminder *ReminderConfig `yaml:"reminder" mapstructure:"reminder" json:"reminder"`

	// Resolver configures concurrent display-name resolution
	Resolver *ResolverConfig `yaml:"resolver" mapstructure:"resolver" json:"resolver"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the dashboard API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// DuckAPIURL is the endpoint used by the /quack command
	DuckAPIURL string `yaml:"duck_api_url" mapstructure:"duck_api_url" json:"duck_api_url"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// ReminderConfig configures the polling reminder scheduler. Due dates are
// day-granular, so a polling cadence of a few minutes is plenty; precise
// per-task timers aren't worth the machinery.
type ReminderConfig struct {
	// Interval between reminder scans
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval" binding:"min=1s"`

	// DispatchTimeout bounds a single reminder dispatch. A stuck dispatch
	// doesn't block the rest of the tick.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" mapstructure:"dispatch_timeout" json:"dispatch_timeout" binding:"min=1s"`

	// BackupDir, if set, enables periodic SQLite database backups to this directory
	BackupDir string `yaml:"backup_dir" mapstructure:"backup_dir" json:"backup_dir"`

	// BackupInterval between database backups
	BackupInterval time.Duration `yaml:"backup_interval" mapstructure:"backup_interval" json:"backup_interval"`

	// BackupKeep is the number of backup files retained, oldest pruned first
	BackupKeep int `yaml:"backup_keep" mapstructure:"backup_keep" json:"backup_keep"`
}

// ResolverConfig bounds the identity-lookup fan-out used when rendering
// task lists, so a page render stays close to the latency of the slowest
// single lookup without hammering the discord API.
type ResolverConfig struct {
	// MaxConcurrent caps simultaneous outbound user lookups
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent" json:"max_concurrent" binding:"min=1"`

	// LookupTimeout bounds a single lookup. A timed-out lookup degrades to
	// a placeholder display name rather than failing the page render.
	LookupTimeout time.Duration `yaml:"lookup_timeout" mapstructure:"lookup_timeout" json:"lookup_timeout" binding:"min=1s"`

	// RequestsPerSecond rate-limits outbound lookups
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"min=1"`
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// CustomStatus to display on the bot user
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the dashboard API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000")
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix")
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing session cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// The logging level for the API server
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultCORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		DuckAPIURL:            DefaultDuckAPIURL,
		Reminder: &ReminderConfig{
			Interval:        DefaultReminderInterval,
			DispatchTimeout: DefaultReminderDispatchTimeout,
			BackupInterval:  DefaultBackupInterval,
			BackupKeep:      DefaultBackupKeep,
		},
		Resolver: &ResolverConfig{
			MaxConcurrent:     DefaultResolverMaxConcurrent,
			LookupTimeout:     DefaultResolverLookupTimeout,
			RequestsPerSecond: DefaultResolverRequestsPerSecond,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
