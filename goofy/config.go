//nolint:lll // struct tags can't be split
package goofy

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix    = "GOOFY_ENV_PREFIX"
	DefaultEnvPrefix      = "GOOFY"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "goofy.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout                       = 5 * time.Second
	DefaultReadHeaderTimeout                 = 5 * time.Second
	DefaultWriteTimeout                      = 10 * time.Second
	DefaultIdleTimeout                       = 30 * time.Second
	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsGuilds
	DefaultDiscordWebhookLogLevel            = slog.LevelInfo
	DefaultDiscordLogLevel                   = slog.LevelInfo
	DefaultDiscordgoLogLevel                 = slog.LevelWarn
	DefaultDiscordErrorMessage               = "sorry, something went wrong!"
	DefaultDiscordCustomStatus               = "/patpat someone!"
	DefaultAPIListen                         = "127.0.0.1:5000"
	DefaultAPILogLevel                       = slog.LevelInfo
	DefaultAPITLSMinVersion                  = tls.VersionTLS12
	DefaultDatabaseSlowThreshold             = 200 * time.Millisecond
	DefaultDatabaseLogLevel                  = slog.LevelWarn
	defaultListenNetwork                     = "tcp"

	DiscordSlashCommandAvatar = "avatar"
	DiscordSlashCommandPatPat = "patpat"

	DefaultPatPatTemplatePath = "patpat.gif"
	DefaultPatPatAvatarSize   = "256"
	DefaultAvatarScale        = 0.65
	DefaultAvatarBottomMargin = 10
	DefaultMaxSquish          = 0.3
	DefaultFrameDelay         = 100 * time.Millisecond
	DefaultFetchTimeout       = 15 * time.Second
	DefaultFetchRate          = 5.0
	DefaultFetchBurst         = 5
	DefaultMaxDownloadSize    = 10 << 20
	DefaultMaxAvatarDimension = 4096
	DefaultComposerLogLevel   = slog.LevelInfo
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

type Config struct {
	// Database connection string, or a path to an SQLite database
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// PatPat configures the /patpat command and the GIF composer
	PatPat *PatPatConfig `yaml:"patpat" mapstructure:"patpat" json:"patpat" binding:"required"`

	// API configures the status/healthcheck server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to connect and register
	// commands before startup is aborted
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for in-flight commands to
	// finish after a shutdown is requested
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development puts gin in debug mode and serves pprof under the API
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is set as the bot's custom status after connecting
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// ErrorMessage is sent when a command fails for a reason unrelated
	// to the command itself
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the server used to receive
// interactions over HTTP instead of the gateway.
type DiscordWebhookServerConfig struct {
	// Determines if the webhook server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL *SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	// The logging level for the webhook server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// APIConfig configures the status API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// Configuration for SSL/TLS.
	SSL *SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`

	// Path to an SSL cert key
	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// PatPatConfig configures the /patpat command
type PatPatConfig struct {
	// TemplatePath is the path to the animated GIF the avatar is
	// composited under
	TemplatePath string `yaml:"template_path" mapstructure:"template_path" json:"template_path" binding:"required"`

	// Squish enables the squish animation. When disabled, the avatar is
	// the same size on every frame.
	Squish bool `yaml:"squish" mapstructure:"squish" json:"squish"`

	// AvatarSize is the size requested from the discord CDN
	AvatarSize string `yaml:"avatar_size" mapstructure:"avatar_size" json:"avatar_size" binding:"omitempty,oneof=16 32 64 128 256 512 1024 2048 4096"`

	// AvatarScale is the avatar's width, relative to the template's width
	AvatarScale float64 `yaml:"avatar_scale" mapstructure:"avatar_scale" json:"avatar_scale" binding:"gt=0,lte=1"`

	// BottomMargin is the space between the avatar and the bottom of the frame
	BottomMargin int `yaml:"bottom_margin" mapstructure:"bottom_margin" json:"bottom_margin" binding:"gte=0"`

	// MaxSquish is the largest fraction of the avatar's height that's
	// removed at the peak of the squish
	MaxSquish float64 `yaml:"max_squish" mapstructure:"max_squish" json:"max_squish" binding:"gte=0,lt=1"`

	// FetchTimeout limits how long a single avatar download may take
	FetchTimeout time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout" json:"fetch_timeout"`

	// FetchRate is the maximum number of avatar downloads per second,
	// across all commands. 0=unlimited
	FetchRate float64 `yaml:"fetch_rate" mapstructure:"fetch_rate" json:"fetch_rate" binding:"gte=0"`

	// FetchBurst is the number of avatar downloads allowed in a burst
	FetchBurst int `yaml:"fetch_burst" mapstructure:"fetch_burst" json:"fetch_burst" binding:"gte=0"`

	// MaxDownloadSize is the largest accepted avatar, in bytes. 0=unlimited
	MaxDownloadSize int64 `yaml:"max_download_size" mapstructure:"max_download_size" json:"max_download_size" binding:"gte=0"`

	// MaxAvatarDimension is the largest accepted avatar width or height,
	// checked before decoding. 0=unlimited
	MaxAvatarDimension int `yaml:"max_avatar_dimension" mapstructure:"max_avatar_dimension" json:"max_avatar_dimension" binding:"gte=0"`

	// LogLevel for the composer/fetcher
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DefaultPatPatConfig returns the default /patpat settings
func DefaultPatPatConfig() PatPatConfig {
	lvl := &slog.LevelVar{}
	lvl.Set(DefaultComposerLogLevel)
	return PatPatConfig{
		TemplatePath:    DefaultPatPatTemplatePath,
		Squish:          true,
		AvatarSize:      DefaultPatPatAvatarSize,
		AvatarScale:     DefaultAvatarScale,
		BottomMargin:    DefaultAvatarBottomMargin,
		MaxSquish:       DefaultMaxSquish,
		FetchTimeout:    DefaultFetchTimeout,
		FetchRate:       DefaultFetchRate,
		FetchBurst:      DefaultFetchBurst,
		MaxDownloadSize: DefaultMaxDownloadSize,
		LogLevel:        lvl,

		MaxAvatarDimension: DefaultMaxAvatarDimension,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	discordWebhookLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	discordWebhookLogLevel.Set(DefaultDiscordWebhookLogLevel)

	patpat := DefaultPatPatConfig()

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		PatPat:                &patpat,
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Enabled:           false,
				Listen:            DefaultDiscordWebhookServerListen,
				ListenNetwork:     defaultListenNetwork,
				LogLevel:          discordWebhookLogLevel,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
			ErrorMessage:      DefaultDiscordErrorMessage,
		},
		API: &APIConfig{
			Enabled:           false,
			Listen:            DefaultAPIListen,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
