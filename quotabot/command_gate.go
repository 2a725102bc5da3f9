package quotabot

import (
	"context"
	"strings"
)

const (
	subjectPrefixUser  = "user:"
	subjectPrefixGuild = "guild:"
)

func subjectUser(userID string) string {
	return subjectPrefixUser + userID
}

func subjectGuild(guildID string) string {
	return subjectPrefixGuild + guildID
}

// SubjectFromInput accepts either a bare Discord user ID or an already
// prefixed subject ("user:123", "guild:456"). Blank input stays blank.
func SubjectFromInput(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, subjectPrefixUser) || strings.HasPrefix(s, subjectPrefixGuild) {
		return s
	}
	return subjectUser(s)
}

// GateRequest describes a metered command invocation.
type GateRequest struct {
	UserID  string
	GuildID string

	// Category is the command's own category, usually the command name
	Category string
}

type gateLayer struct {
	subject  string
	category string
}

// CommandGate applies the layered limits for a metered command: the
// command's category for the user, then the user's global limit, then
// the guild's global limit (inside a guild only). Checking stops at the
// first denial.
type CommandGate struct {
	limiter *RateLimiter
}

func NewCommandGate(limiter *RateLimiter) *CommandGate {
	return &CommandGate{limiter: limiter}
}

// Check runs each layer in order and returns the first denial, or the
// last admitting Decision if every layer admits. Layers checked before
// a denial keep the request they recorded.
func (g *CommandGate) Check(ctx context.Context, req GateRequest) (Decision, error) {
	if req.UserID == "" {
		return Decision{}, invalidArgument("user ID must not be empty")
	}
	category := req.Category
	if category == "" {
		category = DefaultPolicyCategory
	}

	user := subjectUser(req.UserID)
	layers := []gateLayer{
		{subject: user, category: category},
		{subject: user, category: CategoryUserGlobal},
	}
	if req.GuildID != "" {
		layers = append(layers, gateLayer{subject: subjectGuild(req.GuildID), category: CategoryGuildGlobal})
	}

	var d Decision
	for _, layer := range layers {
		var err error
		d, err = g.limiter.Check(ctx, layer.subject, layer.category)
		if err != nil || !d.Allowed {
			return d, err
		}
	}
	return d, nil
}
