package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/arcward/quotabot/quotabot"
	"github.com/spf13/cobra"
)

var (
	resetSubjectFlag  string
	resetCategoryFlag string
	resetAllFlag      bool
	resetActorFlag    string
)

// resetCmd clears quota state directly in the configured store. It's
// meant for use while the bot is stopped, or with a shared store
// (database, redis).
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset quotas for a subject, a category, or everyone",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		set := 0
		for _, v := range []bool{resetSubjectFlag != "", resetCategoryFlag != "", resetAllFlag} {
			if v {
				set++
			}
		}
		if set != 1 {
			return errors.New("exactly one of --subject, --category or --all is required")
		}
		if cfg.Quota.Store == quotabot.QuotaStoreMemory {
			return errors.New("the memory quota store has no state outside the running bot")
		}

		gdb, err := quotabot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		if sqlDB, dbErr := gdb.DB(); dbErr == nil {
			defer func() { _ = sqlDB.Close() }()
		}
		db := quotabot.NewDatabase(gdb, nil, cfg.DatabaseType == "postgres")

		store, err := quotabot.NewQuotaStore(ctx, cfg.Quota, db)
		if err != nil {
			return fmt.Errorf("error opening quota store: %w", err)
		}
		defer func() { _ = store.Close() }()

		registry, err := quotabot.NewPolicyRegistry(quotabot.DefaultPolicies())
		if err != nil {
			return err
		}
		limiter := quotabot.NewRateLimiter(
			store,
			registry,
			quotabot.WithStoreTimeout(cfg.Quota.StoreTimeout),
		)
		resetter := quotabot.NewAdminReset(limiter, db, nil, nil)
		req := quotabot.ResetRequest{Actor: resetActorFlag, Source: quotabot.ResetSourceCLI}

		out := cmd.OutOrStdout()
		switch {
		case resetSubjectFlag != "":
			subject := quotabot.SubjectFromInput(resetSubjectFlag)
			if err = resetter.ResetSubject(ctx, req, subject); err != nil {
				return err
			}
			fmt.Fprintf(out, "reset %s\n", subject)
		case resetCategoryFlag != "":
			if err = resetter.ResetCategory(ctx, req, resetCategoryFlag); err != nil {
				return err
			}
			fmt.Fprintf(out, "reset category %s\n", resetCategoryFlag)
		default:
			if err = resetter.ResetAll(ctx, req); err != nil {
				return err
			}
			fmt.Fprintln(out, "reset all quotas")
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	flags := resetCmd.Flags()
	flags.StringVar(&resetSubjectFlag, "subject", "", "Subject to reset (ex: user:1234, guild:5678, or a bare user ID)")
	flags.StringVar(&resetCategoryFlag, "category", "", "Category to reset for every subject")
	flags.BoolVar(&resetAllFlag, "all", false, "Reset every quota")
	flags.StringVar(&resetActorFlag, "actor", os.Getenv("USER"), "Name recorded in the reset log")
	rootCmd.AddCommand(resetCmd)
}
