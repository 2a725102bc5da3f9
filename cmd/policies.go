package cmd

import (
	"errors"
	"fmt"

	"github.com/arcward/quotabot/quotabot"
	"github.com/spf13/cobra"
)

var (
	policyFileFlag     string
	policyWriteFlag    string
	policyDatabaseFlag bool
	policyDefaultsFlag bool
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Print the effective rate limit policies",
	Long: "Prints the policy table the bot would use, as YAML: built-in defaults, " +
		"merged with the policy file and, with --database, admin overrides. " +
		"The file is validated on the way.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if policyDefaultsFlag && (policyFileFlag != "" || policyDatabaseFlag) {
			return errors.New("--defaults can't be combined with --file or --database")
		}

		table := quotabot.DefaultPolicies()
		if !policyDefaultsFlag {
			path := cfg.Quota.PolicyFile
			if policyFileFlag != "" {
				path = policyFileFlag
			}

			var db quotabot.DBI
			if policyDatabaseFlag {
				gdb, err := quotabot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
				if err != nil {
					return fmt.Errorf("error opening database: %w", err)
				}
				if sqlDB, dbErr := gdb.DB(); dbErr == nil {
					defer func() { _ = sqlDB.Close() }()
				}
				db = quotabot.NewDatabase(gdb, nil, cfg.DatabaseType == "postgres")
			}

			loader := quotabot.NewPolicyLoader(nil, path, db, nil, nil)
			var err error
			table, err = loader.Load(ctx)
			if err != nil {
				return err
			}
		}

		if policyWriteFlag != "" {
			if err := quotabot.WritePolicyFile(policyWriteFlag, table); err != nil {
				return fmt.Errorf("error writing %s: %w", policyWriteFlag, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d policies to %s\n", len(table), policyWriteFlag)
			return nil
		}

		data, err := quotabot.MarshalPolicies(table)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

//nolint:gochecknoinits
func init() {
	flags := policiesCmd.Flags()
	flags.StringVar(&policyFileFlag, "file", "", "Policy file to load (defaults to quota.policy_file)")
	flags.StringVar(&policyWriteFlag, "write", "", "Write the policies to this file instead of printing them")
	flags.BoolVar(&policyDatabaseFlag, "database", false, "Include overrides stored in the database")
	flags.BoolVar(&policyDefaultsFlag, "defaults", false, "Only use the built-in defaults")
	rootCmd.AddCommand(policiesCmd)
}
