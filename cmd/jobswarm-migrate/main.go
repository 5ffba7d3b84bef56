// jobswarm-migrate применяет миграции схемы.
//
//	jobswarm-migrate up [--db URL]
//	jobswarm-migrate down [--db URL]
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shaiso/jobswarm/internal/repo"
	"github.com/shaiso/jobswarm/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	logger := telemetry.SetupLogger()

	var dbURL string

	rootCmd := &cobra.Command{
		Use:           "jobswarm-migrate",
		Short:         "Apply jobswarm database migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "database URL (default $DB_URL)")

	dsn := func() string {
		if dbURL != "" {
			return dbURL
		}
		return repo.DSN()
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := repo.Migrate(dsn(), false); err != nil {
					return err
				}
				logger.Info("migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := repo.Migrate(dsn(), true); err != nil {
					return err
				}
				logger.Info("migrations rolled back")
				return nil
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
