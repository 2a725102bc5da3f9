package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/arcward/quotabot/quotabot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New("QB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			return errors.New(
				"QB_DATABASE not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		gdb, err := quotabot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, dbErr := gdb.DB(); dbErr == nil {
			defer func() { _ = sqlDB.Close() }()
		}
		db := quotabot.NewDatabase(gdb, nil, cfg.DatabaseType == "postgres")

		out := cmd.OutOrStdout()
		set, err := quotabot.AdminCredentialsSet(ctx, db)
		if err != nil {
			return fmt.Errorf("error checking admin credentials: %w", err)
		}
		if set {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

			reader := bufio.NewReader(cmd.InOrStdin())
			fmt.Fprint(out, "Enter admin username: ")
			username, _ := reader.ReadString('\n')
			username = strings.TrimSpace(username)

			readPassword := customPasswordReader
			if readPassword == nil {
				readPassword = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}

			var password string
			for {
				fmt.Fprint(out, "Enter admin password: ")
				passwordBytes, readErr := readPassword()
				if readErr != nil {
					return fmt.Errorf("error reading password: %w", readErr)
				}
				password = string(passwordBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin password: ")
				confirmBytes, readErr := readPassword()
				if readErr != nil {
					return fmt.Errorf("error reading password: %w", readErr)
				}
				fmt.Fprintln(out)

				if password == string(confirmBytes) {
					break
				}
				fmt.Fprintln(out, "Passwords do not match. Please try again.")
			}

			if err = quotabot.SetAdminCredential(ctx, db, username, password); err != nil {
				return fmt.Errorf("error setting admin credentials: %w", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
