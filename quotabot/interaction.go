package quotabot

import (
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	CommandOutcomeAllowed = "allowed"
	CommandOutcomeDenied  = "denied"
	CommandOutcomeError   = "error"
)

// CommandLog records a metered command and the rate limit decision made
// for it. These rows back usage statistics, and are kept across resets.
//
//nolint:lll // struct tags can't be split
type CommandLog struct {
	ModelUintID
	ModelUnixTime

	InteractionID string `json:"interaction_id" gorm:"index"`
	Command       string `json:"command" gorm:"not null;index"`
	UserID        string `json:"user_id" gorm:"not null;index"`
	Username      string `json:"username"`
	GuildID       string `json:"guild_id" gorm:"index"`
	ChannelID     string `json:"channel_id"`
	Allowed       bool   `json:"allowed" gorm:"index"`

	// DeniedCategory is the category of the layer that denied the
	// command, if it was denied
	DeniedCategory string `json:"denied_category,omitempty"`
	RetryAfterMS   int64  `json:"retry_after_ms,omitempty"`

	// Error is set when the command failed after being admitted, or when
	// the limiter itself failed
	Error string `json:"error,omitempty"`
}

func newCommandLog(i *discordgo.InteractionCreate, command string) *CommandLog {
	cl := &CommandLog{
		InteractionID: i.ID,
		Command:       command,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
	}
	if u := interactionUser(i); u != nil {
		cl.UserID = u.ID
		cl.Username = u.Username
	}
	return cl
}

// setDecision records d on the log entry.
func (cl *CommandLog) setDecision(d Decision) {
	cl.Allowed = d.Allowed
	if !d.Allowed {
		cl.DeniedCategory = d.Category
		cl.RetryAfterMS = d.RetryAfter.Milliseconds()
	}
}

func (cl *CommandLog) outcome() string {
	switch {
	case cl.Error != "":
		return CommandOutcomeError
	case cl.Allowed:
		return CommandOutcomeAllowed
	default:
		return CommandOutcomeDenied
	}
}

// Created returns the time the row was created.
func (cl *CommandLog) Created() time.Time {
	return time.UnixMilli(cl.CreatedAt).UTC()
}
