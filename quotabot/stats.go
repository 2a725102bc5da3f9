package quotabot

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const statsTopN = 5

// rateLimitedClause matches commands a policy denied. A failed check is
// also logged with allowed=false, but carries the error and counts
// under errors instead.
const rateLimitedClause = "allowed = ? AND error = ?"

// UsageStats summarizes metered command traffic.
type UsageStats struct {
	Total       int64      `json:"total"`
	RateLimited int64      `json:"rate_limited"`
	Errors      int64      `json:"errors"`
	TopCommands []StatItem `json:"top_commands"`
	TopUsers    []StatItem `json:"top_users"`
	TopGuilds   []StatItem `json:"top_guilds"`

	// TopLimited are the categories that denied the most commands
	TopLimited []StatItem `json:"top_limited"`
}

type StatItem struct {
	Key   string `json:"key" gorm:"column:stat_key"`
	Count int64  `json:"count" gorm:"column:stat_count"`
}

// String renders the stats as a Discord message.
func (s UsageStats) String() string {
	var b strings.Builder
	fmt.Fprintf(
		&b,
		"**Requests:** %d  **Rate limited:** %d  **Errors:** %d\n",
		s.Total,
		s.RateLimited,
		s.Errors,
	)
	writeTop := func(title string, items []StatItem, format func(string) string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n**%s**\n", title)
		for n, item := range items {
			fmt.Fprintf(&b, "%d. %s (%d)\n", n+1, format(item.Key), item.Count)
		}
	}
	plain := func(s string) string { return s }
	writeTop("Top commands", s.TopCommands, func(s string) string { return "/" + s })
	writeTop("Top users", s.TopUsers, func(s string) string { return "<@" + s + ">" })
	writeTop("Top guilds", s.TopGuilds, plain)
	writeTop("Most limited categories", s.TopLimited, plain)
	return b.String()
}

// GetUsageStats computes stats from CommandLog rows. Counts and top-N
// lists are queried concurrently.
func GetUsageStats(ctx context.Context, db DBI) (UsageStats, error) {
	var stats UsageStats
	base := func(ctx context.Context) *gorm.DB {
		return db.DB().WithContext(ctx).Model(&CommandLog{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return base(gctx).Count(&stats.Total).Error
		},
	)
	g.Go(
		func() error {
			return base(gctx).Where(rateLimitedClause, false, "").Count(&stats.RateLimited).Error
		},
	)
	g.Go(
		func() error {
			return base(gctx).Where("error <> ?", "").Count(&stats.Errors).Error
		},
	)
	g.Go(
		func() (err error) {
			stats.TopCommands, err = topBy(gctx, db, "command")
			return err
		},
	)
	g.Go(
		func() (err error) {
			stats.TopUsers, err = topBy(gctx, db, "user_id")
			return err
		},
	)
	g.Go(
		func() (err error) {
			stats.TopGuilds, err = topBy(gctx, db, "guild_id", "guild_id <> ?", "")
			return err
		},
	)
	g.Go(
		func() (err error) {
			stats.TopLimited, err = topBy(gctx, db, "denied_category", rateLimitedClause, false, "")
			return err
		},
	)
	if err := g.Wait(); err != nil {
		return stats, fmt.Errorf("error getting usage stats: %w", err)
	}
	return stats, nil
}

// topBy returns the statsTopN most frequent values of column, optionally
// filtered by a where clause and its args.
func topBy(
	ctx context.Context,
	db DBI,
	column string,
	where ...any,
) ([]StatItem, error) {
	var items []StatItem
	stmt := db.DB().WithContext(ctx).
		Model(&CommandLog{}).
		Select(column + " AS stat_key, COUNT(*) AS stat_count")
	if len(where) > 0 {
		stmt = stmt.Where(where[0], where[1:]...)
	}
	err := stmt.Group(column).
		Order("stat_count desc").
		Order(column).
		Limit(statsTopN).
		Scan(&items).Error
	return items, err
}
