//nolint:lll // struct tags can't be split
package quotabot

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
)

const (
	EnvvarSetEnvPrefix    = "QUOTABOT_ENV_PREFIX"
	DefaultEnvPrefix      = "QB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "quotabot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second
	DefaultShutdown       = 30 * time.Second

	DefaultQuotaStore              = QuotaStoreFile
	DefaultQuotaDir                = "quota"
	DefaultQuotaStoreTimeout       = defaultStoreTimeout
	DefaultQuotaCompactionInterval = 10 * time.Minute
	DefaultRedisTTL                = 24 * time.Hour

	DefaultOpenAIModel                = openai.GPT4oMini
	DefaultOpenAIMaxRequestsPerSecond = 2.0
	DefaultOpenAIMaxTokens            = 800
	DefaultOpenAIRequestTimeout       = 60 * time.Second
	DefaultOpenAILogLevel             = slog.LevelInfo
	DefaultAskSystemPrompt            = "You are a helpful assistant in a Discord server. Keep answers concise."
	DefaultSummarizeSystemPrompt      = "Summarize the following content in a few short bullet points."

	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds
	DefaultDiscordErrorMessage  = "sorry, something went wrong!"
	DefaultDiscordCustomStatus  = "/ask me anything"
	discordMaxMessageLength     = 2000

	DefaultDiscordWebhookListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookLogLevel      = slog.LevelInfo
	DefaultDiscordWebhookTLSMinVersion = tls.VersionTLS12

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
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
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = validator.New()

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Quota configures rate limit state storage and policies
	Quota *QuotaConfig `yaml:"quota" mapstructure:"quota" json:"quota" binding:"required"`

	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long initialization may take before
	// startup is aborted
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for in-flight commands to
	// finish after a stop is requested.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// QuotaConfig configures where usage records are kept, how store calls
// are bounded, and where policies come from.
type QuotaConfig struct {
	// Store selects the QuotaStore backend: memory, file, database or redis
	Store string `yaml:"store" mapstructure:"store" json:"store" binding:"oneof=memory file database redis"`

	// Dir is the directory for the file store
	Dir string `yaml:"dir" mapstructure:"dir" json:"dir" binding:"required_if=Store file"`

	Redis RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	// StoreTimeout bounds each quota store call. Requests whose store
	// call times out are denied.
	StoreTimeout time.Duration `yaml:"store_timeout" mapstructure:"store_timeout" json:"store_timeout" binding:"min=0"`

	// CompactionInterval sets how often expired records are removed.
	// 0 disables compaction.
	CompactionInterval time.Duration `yaml:"compaction_interval" mapstructure:"compaction_interval" json:"compaction_interval" binding:"min=0"`

	// PolicyFile is an optional YAML file of policies, layered over the
	// built-in defaults
	PolicyFile string `yaml:"policy_file" mapstructure:"policy_file" json:"policy_file"`

	// WatchPolicyFile reloads policies when PolicyFile changes
	WatchPolicyFile bool `yaml:"watch_policy_file" mapstructure:"watch_policy_file" json:"watch_policy_file"`
}

// validateQuotaConfig checks settings that depend on the selected store.
func validateQuotaConfig(sl validator.StructLevel) {
	c, ok := sl.Current().Interface().(QuotaConfig)
	if !ok {
		return
	}
	if c.Store == QuotaStoreRedis && c.Redis.Addr == "" {
		sl.ReportError(c.Redis.Addr, "Redis.Addr", "addr", "required_if", "Store redis")
	}
	if c.Store == QuotaStoreRedis && c.Redis.TTL < 0 {
		sl.ReportError(c.Redis.TTL, "Redis.TTL", "ttl", "min", "0")
	}
}

// validatePolicy reports the first problem Policy.Validate finds
func validatePolicy(sl validator.StructLevel) {
	p, ok := sl.Current().Interface().(Policy)
	if !ok {
		return
	}
	if p.MaxRequests < 1 {
		sl.ReportError(p.MaxRequests, "MaxRequests", "requests", "min", "1")
	}
	if p.Window.Duration < minPolicyWindow {
		sl.ReportError(p.Window, "Window", "window", "min", minPolicyWindow.String())
	}
	if p.Cooldown.Duration < 0 {
		sl.ReportError(p.Cooldown, "Cooldown", "cooldown", "min", "0")
	}
}

func durationTypeFunc(field reflect.Value) any {
	if d, ok := field.Interface().(Duration); ok {
		return d.Duration
	}
	return nil
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is shown as the bot's status after connecting
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// ErrorMessage is sent to users when a command fails unexpectedly
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	// WebhookServer receives interactions over HTTP, as an alternative
	// to the gateway
	WebhookServer *DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server" binding:"required"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the HTTP endpoint Discord posts
// interactions to. See: https://discord.com/developers/docs/interactions/overview#preparing-for-interactions
//
//nolint:lll // can't split link
type DiscordWebhookServerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// PublicKey is the application's hex-encoded Ed25519 key, used to
	// verify request signatures
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
}

// OpenAIConfig configures the chat completion calls made by metered
// commands.
type OpenAIConfig struct {
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the API URL (ex: for a compatible proxy)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// MaxRequestsPerSecond paces outbound requests across all users
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"gte=0"`

	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	AskSystemPrompt       string `yaml:"ask_system_prompt" mapstructure:"ask_system_prompt" json:"ask_system_prompt"`
	SummarizeSystemPrompt string `yaml:"summarize_system_prompt" mapstructure:"summarize_system_prompt" json:"summarize_system_prompt"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// Development relaxes cookie and CORS settings, and enables pprof
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use. If Cert
// and Key are empty, the API serves plain HTTP.
type SSLConfig struct {
	Cert          string `yaml:"cert" mapstructure:"cert" json:"cert" binding:"required_with=Key"`
	Key           string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	webhookLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	webhookLogLevel.Set(DefaultDiscordWebhookLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdown,
		Quota: &QuotaConfig{
			Store:              DefaultQuotaStore,
			Dir:                DefaultQuotaDir,
			StoreTimeout:       DefaultQuotaStoreTimeout,
			CompactionInterval: DefaultQuotaCompactionInterval,
			Redis: RedisConfig{
				KeyPrefix: defaultRedisKeyPrefix,
				TTL:       DefaultRedisTTL,
			},
		},
		OpenAI: &OpenAIConfig{
			Model:                 DefaultOpenAIModel,
			LogLevel:              openaiLogLevel,
			MaxRequestsPerSecond:  DefaultOpenAIMaxRequestsPerSecond,
			MaxTokens:             DefaultOpenAIMaxTokens,
			RequestTimeout:        DefaultOpenAIRequestTimeout,
			AskSystemPrompt:       DefaultAskSystemPrompt,
			SummarizeSystemPrompt: DefaultSummarizeSystemPrompt,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
			ErrorMessage:      DefaultDiscordErrorMessage,
			WebhookServer: &DiscordWebhookServerConfig{
				Listen: DefaultDiscordWebhookListen,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookTLSMinVersion,
				},
				LogLevel:          webhookLogLevel,
				ReadTimeout:       DefaultReadTimeout,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				WriteTimeout:      DefaultWriteTimeout,
			},
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
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

// ValidateConfig checks c against its binding tags and cross-field rules.
func ValidateConfig(c *Config) error {
	return structValidator.Struct(c)
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(durationTypeFunc, Duration{})
	structValidator.RegisterStructValidation(validateQuotaConfig, QuotaConfig{})
	structValidator.RegisterStructValidation(validatePolicy, Policy{})
}
