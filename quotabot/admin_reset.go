package quotabot

import (
	"context"
	"log/slog"

	"github.com/lmittmann/tint"
)

const (
	ResetScopeSubject  = "subject"
	ResetScopeCategory = "category"
	ResetScopeAll      = "all"

	ResetSourceDiscord = "discord"
	ResetSourceAPI     = "api"
	ResetSourceCLI     = "cli"
)

// ResetLog is an audit record of an admin reset.
type ResetLog struct {
	ModelUintID
	ModelUnixTime

	Scope     string `gorm:"not null;index" json:"scope"`
	SubjectID string `json:"subject_id,omitempty"`
	Category  string `json:"category,omitempty"`

	// Actor identifies who requested the reset (Discord user ID or
	// API username)
	Actor  string `json:"actor"`
	Source string `json:"source"`
	Error  string `json:"error,omitempty"`
}

// ResetRequest identifies who is asking for a reset, for the audit log.
type ResetRequest struct {
	Actor  string
	Source string
}

// AdminReset exposes destructive, immediate quota resets. Callers are
// responsible for authorizing the request before calling it.
type AdminReset struct {
	limiter *RateLimiter
	db      DBI
	logger  *slog.Logger
	metrics *Metrics
}

// NewAdminReset returns an AdminReset for limiter. db may be nil, in
// which case resets aren't audited.
func NewAdminReset(limiter *RateLimiter, db DBI, logger *slog.Logger, metrics *Metrics) *AdminReset {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminReset{
		limiter: limiter,
		db:      db,
		logger:  logger.With(loggerNameKey, "admin_reset"),
		metrics: metrics,
	}
}

// ResetSubject clears every record for subjectID.
func (a *AdminReset) ResetSubject(ctx context.Context, req ResetRequest, subjectID string) error {
	if subjectID == "" {
		return invalidArgument("subject ID must not be empty")
	}
	err := a.limiter.reset(
		ctx, subjectID, "", func(ctx context.Context) error {
			return a.limiter.store.Reset(ctx, subjectID, "")
		},
	)
	a.audit(ctx, req, ResetLog{Scope: ResetScopeSubject, SubjectID: subjectID}, err)
	return err
}

// ResetCategory clears the records in category for every subject.
func (a *AdminReset) ResetCategory(ctx context.Context, req ResetRequest, category string) error {
	if category == "" {
		return invalidArgument("category must not be empty")
	}
	err := a.limiter.reset(
		ctx, "", category, func(ctx context.Context) error {
			return a.limiter.store.ResetCategory(ctx, category)
		},
	)
	a.audit(ctx, req, ResetLog{Scope: ResetScopeCategory, Category: category}, err)
	return err
}

// ResetAll clears every record in the store.
func (a *AdminReset) ResetAll(ctx context.Context, req ResetRequest) error {
	err := a.limiter.reset(
		ctx, "", "", func(ctx context.Context) error {
			return a.limiter.store.ResetAll(ctx)
		},
	)
	a.audit(ctx, req, ResetLog{Scope: ResetScopeAll}, err)
	return err
}

func (a *AdminReset) audit(ctx context.Context, req ResetRequest, entry ResetLog, err error) {
	entry.Actor = req.Actor
	entry.Source = req.Source
	logger := a.logger.With(
		"scope", entry.Scope,
		"subject_id", entry.SubjectID,
		"category", entry.Category,
		"actor", entry.Actor,
		"source", entry.Source,
	)
	if err != nil {
		entry.Error = err.Error()
		logger.ErrorContext(ctx, "reset failed", tint.Err(err))
	} else {
		a.metrics.observeReset(entry.Scope)
		logger.InfoContext(ctx, "quota reset")
	}

	if a.db == nil {
		return
	}
	if _, dbErr := a.db.Create(context.WithoutCancel(ctx), &entry); dbErr != nil {
		logger.ErrorContext(ctx, "error saving reset log", tint.Err(dbErr))
	}
}

// ResetLogs returns the most recent reset log entries, newest first.
func (a *AdminReset) ResetLogs(ctx context.Context, limit int) ([]ResetLog, error) {
	if a.db == nil {
		return nil, nil
	}
	var logs []ResetLog
	err := a.db.DB().WithContext(ctx).Order("id desc").Limit(limit).Find(&logs).Error
	return logs, err
}
