package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/melancholy-txt/goofy/goofy"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envDiscordToken is the unprefixed variable also accepted for the bot token
const envDiscordToken = "DISCORD_TOKEN"

var (
	cfg        = goofy.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding log levels
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"api.log_level",
	"patpat.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "goofy [flags]",
	Short: "A discord bot that pats people",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(cfg, viper.DecodeHook(configDecodeHook()))
		if err != nil {
			log.Fatalln(err)
		}
	},
}

// configDecodeHook converts the string values viper holds into durations
// and log levels
func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes strings like "INFO" into *slog.LevelVar.
// The target may be the pointer type, or the struct itself when decoding
// into an already populated *slog.LevelVar, which mapstructure
// dereferences first.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	levelVarType := reflect.TypeOf(slog.LevelVar{})
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		if t != levelVarType {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	// BindEnv resolves the prefix when called, so it's set first
	envPrefix := os.Getenv(goofy.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = goofy.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	viper.SetDefault("database", goofy.DefaultDatabase)
	viper.SetDefault("database_type", goofy.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", goofy.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", goofy.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", goofy.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", goofy.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", goofy.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", goofy.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		goofy.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", goofy.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.custom_status", goofy.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", goofy.DefaultDiscordErrorMessage)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		goofy.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", goofy.DefaultReadTimeout)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		goofy.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("discord.webhook_server.write_timeout", goofy.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", goofy.DefaultIdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		goofy.DefaultDiscordWebhookLogLevel.String(),
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.tls_min_version"))

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", goofy.DefaultAPIListen)
	viper.SetDefault("api.log_level", goofy.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", goofy.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", goofy.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", goofy.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", goofy.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// /patpat config
	patpat := goofy.DefaultPatPatConfig()
	viper.SetDefault("patpat.template_path", patpat.TemplatePath)
	viper.SetDefault("patpat.squish", patpat.Squish)
	viper.SetDefault("patpat.avatar_size", patpat.AvatarSize)
	viper.SetDefault("patpat.avatar_scale", patpat.AvatarScale)
	viper.SetDefault("patpat.bottom_margin", patpat.BottomMargin)
	viper.SetDefault("patpat.max_squish", patpat.MaxSquish)
	viper.SetDefault("patpat.fetch_timeout", patpat.FetchTimeout)
	viper.SetDefault("patpat.fetch_rate", patpat.FetchRate)
	viper.SetDefault("patpat.fetch_burst", patpat.FetchBurst)
	viper.SetDefault("patpat.max_download_size", patpat.MaxDownloadSize)
	viper.SetDefault("patpat.max_avatar_dimension", patpat.MaxAvatarDimension)
	viper.SetDefault("patpat.log_level", goofy.DefaultComposerLogLevel.String())

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// the prefixed variable takes precedence over the bare one
	fatalErr(
		viper.BindEnv(
			"discord.token",
			envPrefix+"_DISCORD_TOKEN",
			envDiscordToken,
		),
	)

	// levels stay strings in viper, LevelToStringHookFunc converts them
	// on unmarshal
	for _, k := range levelKeys {
		if _, err := getLogLevel(viper.GetString(k)); err != nil {
			log.Fatalf("error parsing %s: %v", k, err)
		}
	}
}

//nolint:gochecknoinits // cobra setup
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
