package quotabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgAdminRequired    = "You need the Administrator permission to use this command."
	msgQuotaUnavailable = "Rate limiting is temporarily unavailable, so this command can't run right now. Please try again shortly."
)

// handleInteraction routes an incoming interaction to its command.
func (q *QuotaBot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	defer func() {
		if rc := recover(); rc != nil {
			logger.ErrorContext(
				ctx,
				"recovered from panic handling interaction",
				"panic", rc,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.DebugContext(ctx, "ignoring interaction", "type", i.Type.String())
		return
	}
	if interactionUser(i) == nil {
		logger.WarnContext(ctx, "interaction has no user")
		return
	}

	ctx = WithLogger(ctx, logger)
	command := i.ApplicationCommandData().Name
	switch command {
	case DiscordSlashCommandAsk, DiscordSlashCommandSummarize, DiscordSlashCommandUsage:
		q.runMeteredCommand(ctx, handler, command)
	case DiscordSlashCommandRateLimit:
		q.runRateLimitCommand(ctx, handler)
	default:
		logger.WarnContext(ctx, "unknown command", "command", command)
	}
}

// runMeteredCommand checks the command's limits before running it.
// Denials get an ephemeral reply and the command is never executed.
// If the limiter itself fails, the command is refused. A command missing
// its required input is refused before the limits are checked, so it
// doesn't use up quota.
func (q *QuotaBot) runMeteredCommand(
	ctx context.Context,
	handler InteractionHandler,
	command string,
) {
	i := handler.GetInteraction()
	logger := handler.Logger().With("command", command)
	user := interactionUser(i)

	cl := newCommandLog(i, command)
	defer q.saveCommandLog(ctx, cl)

	var input string
	if optionName, ok := meteredCommandOptions[command]; ok {
		opt, found := discordInteractionOptions(i)[optionName]
		if !found || strings.TrimSpace(opt.StringValue()) == "" {
			cl.Error = invalidArgument("missing option %q", optionName).Error()
			logger.InfoContext(ctx, "missing required option", "option", optionName)
			_ = handler.Respond(ctx, ephemeralResponse(fmt.Sprintf("`%s` is required.", optionName)))
			return
		}
		input = opt.StringValue()
	}

	d, err := q.gate.Check(
		ctx, GateRequest{
			UserID:   user.ID,
			GuildID:  i.GuildID,
			Category: meteredCommandCategories[command],
		},
	)
	cl.setDecision(d)
	if err != nil {
		cl.Error = err.Error()
		logger.ErrorContext(ctx, "rate limit check failed", tint.Err(err))
		msg := q.config.Discord.ErrorMessage
		var storageErr *StorageError
		if errors.As(err, &storageErr) {
			msg = msgQuotaUnavailable
		}
		_ = handler.Respond(ctx, ephemeralResponse(msg))
		return
	}
	if !d.Allowed {
		logger.InfoContext(ctx, "command rate limited", "decision", d)
		_ = handler.Respond(ctx, ephemeralResponse(denialMessage(d, q.limiter.Clock().Now())))
		return
	}

	switch command {
	case DiscordSlashCommandAsk:
		err = q.runCompletion(ctx, handler, q.config.OpenAI.AskSystemPrompt, input)
	case DiscordSlashCommandSummarize:
		err = q.runCompletion(ctx, handler, q.config.OpenAI.SummarizeSystemPrompt, input)
	case DiscordSlashCommandUsage:
		err = q.runUsageCommand(ctx, handler)
	}
	if err != nil {
		cl.Error = err.Error()
	}
}

// runCompletion sends input to the chat model and replies with the
// result.
func (q *QuotaBot) runCompletion(
	ctx context.Context,
	handler InteractionHandler,
	systemPrompt string,
	input string,
) error {
	i := handler.GetInteraction()
	if err := handler.Respond(ctx, deferredResponse(0)); err != nil {
		return err
	}

	answer, err := q.openai.ChatCompletion(ctx, systemPrompt, input, interactionUser(i).ID)
	if err != nil {
		errMsg := q.config.Discord.ErrorMessage
		_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &errMsg})
		return err
	}
	content := truncate(answer, discordMaxMessageLength)
	_, err = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	return err
}

// runUsageCommand replies with the caller's remaining quota. Reading
// usage never records a request.
func (q *QuotaBot) runUsageCommand(ctx context.Context, handler InteractionHandler) error {
	i := handler.GetInteraction()
	user := interactionUser(i)

	usage, err := q.limiter.PeekAll(
		ctx,
		subjectUser(user.ID),
		[]string{CategoryAsk, CategorySummarize, CategoryAnalytics, CategoryUserGlobal},
	)
	if err != nil {
		_ = handler.Respond(ctx, ephemeralResponse(q.config.Discord.ErrorMessage))
		return err
	}
	if i.GuildID != "" {
		guildUsage, guildErr := q.limiter.Peek(ctx, subjectGuild(i.GuildID), CategoryGuildGlobal)
		if guildErr != nil {
			_ = handler.Respond(ctx, ephemeralResponse(q.config.Discord.ErrorMessage))
			return guildErr
		}
		usage = append(usage, guildUsage)
	}
	return handler.Respond(ctx, ephemeralResponse(usageMessage(usage, q.limiter.Clock().Now())))
}

// runRateLimitCommand handles the admin /ratelimit subcommands.
func (q *QuotaBot) runRateLimitCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	subcommand := discordSubcommand(i)
	logger := handler.Logger().With("command", DiscordSlashCommandRateLimit, "subcommand", subcommand)

	if !isAdministrator(i) {
		logger.WarnContext(ctx, "non-admin attempted admin command")
		q.metrics.observeCommand(DiscordSlashCommandRateLimit, CommandOutcomeDenied)
		_ = handler.Respond(ctx, ephemeralResponse(msgAdminRequired))
		return
	}

	req := ResetRequest{Actor: interactionUser(i).ID, Source: ResetSourceDiscord}
	opts := discordInteractionOptions(i)
	optString := func(name string) string {
		if opt, ok := opts[name]; ok {
			return strings.TrimSpace(opt.StringValue())
		}
		return ""
	}

	var reply string
	var err error
	switch subcommand {
	case rateLimitSubcommandResetUser:
		opt, ok := opts[commandOptionUser]
		if !ok {
			err = invalidArgument("user is required")
			break
		}
		userID := opt.UserValue(nil).ID
		err = q.adminReset.ResetSubject(ctx, req, subjectUser(userID))
		reply = fmt.Sprintf("Reset all quotas for <@%s>.", userID)
	case rateLimitSubcommandResetCategory:
		category := optString(commandOptionCategory)
		err = q.adminReset.ResetCategory(ctx, req, category)
		reply = fmt.Sprintf("Reset **%s** for everyone.", category)
	case rateLimitSubcommandResetAll:
		err = q.adminReset.ResetAll(ctx, req)
		reply = "Reset all quotas."
	case rateLimitSubcommandSet:
		category := optString(commandOptionCategory)
		var policy Policy
		policy, err = policyFromOptions(opts)
		if err == nil {
			err = q.SetPolicyOverride(ctx, category, policy, req.Actor)
		}
		reply = fmt.Sprintf("**%s** is now limited to %s.", category, policy)
	case rateLimitSubcommandStats:
		var stats UsageStats
		stats, err = GetUsageStats(ctx, q.writeDB)
		reply = stats.String()
	case rateLimitSubcommandPolicies:
		reply = policiesMessage(q.policies.Table())
	default:
		err = invalidArgument("unknown subcommand %q", subcommand)
	}

	if err != nil {
		logger.ErrorContext(ctx, "admin command failed", tint.Err(err))
		q.metrics.observeCommand(DiscordSlashCommandRateLimit, CommandOutcomeError)
		msg := q.config.Discord.ErrorMessage
		if errors.Is(err, ErrInvalidArgument) {
			msg = err.Error()
		}
		_ = handler.Respond(ctx, ephemeralResponse(msg))
		return
	}
	q.metrics.observeCommand(DiscordSlashCommandRateLimit, CommandOutcomeAllowed)
	_ = handler.Respond(ctx, ephemeralResponse(reply))
}

func policyFromOptions(
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (Policy, error) {
	var p Policy
	requests, ok := opts[commandOptionRequests]
	if !ok {
		return p, invalidArgument("requests is required")
	}
	p.MaxRequests = int(requests.IntValue())

	window, ok := opts[commandOptionWindow]
	if !ok {
		return p, invalidArgument("window is required")
	}
	w, err := ParseDuration(window.StringValue())
	if err != nil {
		return p, invalidArgument("invalid window %q", window.StringValue())
	}
	p.Window = w

	if cooldown, ok := opts[commandOptionCooldown]; ok && cooldown.StringValue() != "" {
		c, cErr := ParseDuration(cooldown.StringValue())
		if cErr != nil {
			return p, invalidArgument("invalid cooldown %q", cooldown.StringValue())
		}
		p.Cooldown = c
	}
	return p, p.Validate()
}

// saveCommandLog records cl and its outcome. The row is written even if
// ctx was canceled while the command ran.
func (q *QuotaBot) saveCommandLog(ctx context.Context, cl *CommandLog) {
	q.metrics.observeCommand(cl.Command, cl.outcome())
	if q.writeDB == nil {
		return
	}
	if _, err := q.writeDB.Create(context.WithoutCancel(ctx), cl); err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok {
			logger = q.logger
		}
		logger.ErrorContext(ctx, "error saving command log", tint.Err(err))
	}
}

// discordTimestamp formats t as a relative Discord timestamp, rounding
// up so a retry time is never shown before it's reached.
func discordTimestamp(t time.Time) string {
	secs := t.Unix()
	if t.Nanosecond() > 0 {
		secs++
	}
	return fmt.Sprintf("<t:%d:R>", secs)
}

func denialMessage(d Decision, now time.Time) string {
	return fmt.Sprintf(
		":hourglass: Rate limit reached for **%s**. Try again %s",
		d.Category,
		discordTimestamp(d.RetryAt(now)),
	)
}

func usageMessage(usage []Usage, now time.Time) string {
	var b strings.Builder
	b.WriteString("**Your usage**\n")
	for _, u := range usage {
		fmt.Fprintf(
			&b,
			"- **%s**: %d of %d left (%s)",
			u.Category,
			u.Remaining,
			u.Policy.MaxRequests,
			u.Policy,
		)
		if u.RetryAfter > 0 {
			fmt.Fprintf(&b, ", available %s", discordTimestamp(now.Add(u.RetryAfter)))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func policiesMessage(table PolicyTable) string {
	var b strings.Builder
	b.WriteString("**Active policies**\n")
	for _, category := range table.Categories() {
		fmt.Fprintf(&b, "- **%s**: %s\n", category, table[category])
	}
	return b.String()
}

// interactionLogger returns a logger with the interaction's details.
func interactionLogger(logger *slog.Logger, i *discordgo.InteractionCreate) *slog.Logger {
	return logger.With(slog.Group("interaction", interactionLogAttrs(i)...))
}
