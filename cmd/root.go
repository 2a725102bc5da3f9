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

	"github.com/arcward/quotabot/quotabot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = quotabot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:           "quotabot [flags]",
	Short:         "A Discord bot with per-user, per-guild and per-command rate limits",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.Unmarshal(cfg, viper.DecodeHook(decodeHook()))
	},
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
		LevelToStringHookFunc(),
	)
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, ...) into
// *slog.LevelVar fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr || t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvl, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
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
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	switch configFile {
	case "":
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	default:
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading config file %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", quotabot.DefaultDatabase)
	viper.SetDefault("database_type", quotabot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", quotabot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", quotabot.DefaultDatabaseLogLevel.String())

	viper.SetDefault("log_level", quotabot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", quotabot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", quotabot.DefaultShutdown)

	// Quota state and policies
	viper.SetDefault("quota.store", quotabot.DefaultQuotaStore)
	viper.SetDefault("quota.dir", quotabot.DefaultQuotaDir)
	viper.SetDefault("quota.store_timeout", quotabot.DefaultQuotaStoreTimeout)
	viper.SetDefault("quota.compaction_interval", quotabot.DefaultQuotaCompactionInterval)
	viper.SetDefault("quota.policy_file", "")
	viper.SetDefault("quota.watch_policy_file", false)
	viper.SetDefault("quota.redis.addr", "")
	viper.SetDefault("quota.redis.db", 0)
	viper.SetDefault("quota.redis.key_prefix", cfg.Quota.Redis.KeyPrefix)
	viper.SetDefault("quota.redis.ttl", quotabot.DefaultRedisTTL)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", quotabot.DefaultOpenAIModel)
	viper.SetDefault("openai.log_level", quotabot.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.max_requests_per_second", quotabot.DefaultOpenAIMaxRequestsPerSecond)
	viper.SetDefault("openai.max_tokens", quotabot.DefaultOpenAIMaxTokens)
	viper.SetDefault("openai.request_timeout", quotabot.DefaultOpenAIRequestTimeout)
	viper.SetDefault("openai.ask_system_prompt", quotabot.DefaultAskSystemPrompt)
	viper.SetDefault("openai.summarize_system_prompt", quotabot.DefaultSummarizeSystemPrompt)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", quotabot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", quotabot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", quotabot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.custom_status", quotabot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", quotabot.DefaultDiscordErrorMessage)

	// Discord webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", quotabot.DefaultDiscordWebhookListen)
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.log_level", quotabot.DefaultDiscordWebhookLogLevel.String())
	viper.SetDefault("discord.webhook_server.read_timeout", quotabot.DefaultReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", quotabot.DefaultReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", quotabot.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.ssl.tls_min_version", quotabot.DefaultDiscordWebhookTLSMinVersion)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", quotabot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", quotabot.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", quotabot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", quotabot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", quotabot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", quotabot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", quotabot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", quotabot.DefaultAPITLSMinVersion)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key"))
	fatalErr(viper.BindEnv("quota.redis.password"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", quotabot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", quotabot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", quotabot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", quotabot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", quotabot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(quotabot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = quotabot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
		"api.log_level",
		"discord.webhook_server.log_level",
	} {
		lvl, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}
}

//nolint:gochecknoinits // cobra setup
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from",
	)
}
