package quotabot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandAsk       = "ask"
	DiscordSlashCommandSummarize = "summarize"
	DiscordSlashCommandUsage     = "usage"
	DiscordSlashCommandRateLimit = "ratelimit"

	rateLimitSubcommandResetUser     = "reset_user"
	rateLimitSubcommandResetCategory = "reset_category"
	rateLimitSubcommandResetAll      = "reset_all"
	rateLimitSubcommandSet           = "set"
	rateLimitSubcommandStats         = "stats"
	rateLimitSubcommandPolicies      = "policies"

	commandOptionPrompt   = "prompt"
	commandOptionText     = "text"
	commandOptionUser     = "user"
	commandOptionCategory = "category"
	commandOptionRequests = "requests"
	commandOptionWindow   = "window"
	commandOptionCooldown = "cooldown"

	summarizeMaxInputLength = 6000
)

// meteredCommandCategories maps metered commands to the category their
// first limit layer is checked against.
var meteredCommandCategories = map[string]string{
	DiscordSlashCommandAsk:       CategoryAsk,
	DiscordSlashCommandSummarize: CategorySummarize,
	DiscordSlashCommandUsage:     CategoryAnalytics,
}

// meteredCommandOptions are the string options a metered command can't
// run without. They're checked before any quota is spent.
var meteredCommandOptions = map[string]string{
	DiscordSlashCommandAsk:       commandOptionPrompt,
	DiscordSlashCommandSummarize: commandOptionText,
}

// Discord holds the gateway session and the bot's slash commands.
type Discord struct {
	session            DiscordSessionHandler
	config             *DiscordConfig
	logger             *slog.Logger
	connected          atomic.Bool
	metricConnects     atomic.Int64
	metricDisconnects  atomic.Int64
	removeHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config: config,
		logger: logger,
	}
}

// newSession creates a discordgo session for the configured bot token.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (*Discord) appCommandAsk() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandAsk,
		Description: "Ask the assistant a question",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionPrompt,
				Description: "Your question",
				Required:    true,
				MaxLength:   discordMaxMessageLength,
			},
		},
	}
}

func (*Discord) appCommandSummarize() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandSummarize,
		Description: "Summarize a block of text",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        commandOptionText,
				Description: "The text to summarize",
				Required:    true,
				MaxLength:   summarizeMaxInputLength,
			},
		},
	}
}

func (*Discord) appCommandUsage() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandUsage,
		Description: "Show your remaining quota",
		Type:        discordgo.ChatApplicationCommand,
	}
}

// appCommandRateLimit is the admin command group. Discord hides it from
// members without Administrator, and handlers check the permission again.
func (*Discord) appCommandRateLimit() *discordgo.ApplicationCommand {
	adminPermission := int64(discordgo.PermissionAdministrator)
	dmPermission := false
	minRequests := 1.0

	categoryOption := func(required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        commandOptionCategory,
			Description: "Policy category (ex: ask, summarize, user_global)",
			Required:    required,
		}
	}

	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandRateLimit,
		Description:              "Manage rate limits",
		Type:                     discordgo.ChatApplicationCommand,
		DefaultMemberPermissions: &adminPermission,
		DMPermission:             &dmPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        rateLimitSubcommandResetUser,
				Description: "Clear all quota state for a user",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        commandOptionUser,
						Description: "User to reset",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        rateLimitSubcommandResetCategory,
				Description: "Clear quota state in a category for everyone",
				Options:     []*discordgo.ApplicationCommandOption{categoryOption(true)},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        rateLimitSubcommandResetAll,
				Description: "Clear all quota state",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        rateLimitSubcommandSet,
				Description: "Set the policy for a category",
				Options: []*discordgo.ApplicationCommandOption{
					categoryOption(true),
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        commandOptionRequests,
						Description: "Max requests per window",
						Required:    true,
						MinValue:    &minRequests,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        commandOptionWindow,
						Description: "Window length (ex: 60s, 5m)",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        commandOptionCooldown,
						Description: "Cooldown after hitting the limit (ex: 30s)",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        rateLimitSubcommandStats,
				Description: "Show usage statistics",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        rateLimitSubcommandPolicies,
				Description: "Show the active policies",
			},
		},
	}
}

func (d *Discord) commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		d.appCommandAsk(),
		d.appCommandSummarize(),
		d.appCommandUsage(),
		d.appCommandRateLimit(),
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.commands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("registered command", "command", c.Name)
	}
	return created, nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", len(r.Guilds),
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("error setting custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected")
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, c *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// DiscordSessionHandler is the subset of discordgo.Session used by the
// bot, so it can be replaced in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// discordgo.Session
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
	}
	return created, err
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// InteractionHandler responds to a single Discord interaction.
type InteractionHandler interface {
	// Respond sends the initial response to the interaction
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies the interaction's response
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	GetInteraction() *discordgo.InteractionCreate

	Logger() *slog.Logger
}

// GatewayHandler implements InteractionHandler for interactions received
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(w.interaction.Interaction, wh, opts...)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// ephemeralResponse is an immediate, private reply to an interaction.
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: truncate(content, discordMaxMessageLength),
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// deferredResponse acknowledges an interaction whose reply will be sent
// later with Edit.
func deferredResponse(flags discordgo.MessageFlags) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	}
}

// isAdministrator reports whether the member who sent i has the
// Administrator permission in the guild. DMs are never admin.
func isAdministrator(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionAdministrator != 0
}
