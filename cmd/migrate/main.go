// Command migrate applies the contact store schema.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ignite/lead-drip/internal/config"
	"github.com/ignite/lead-drip/internal/crm"
	"github.com/ignite/lead-drip/internal/pkg/logger"
	_ "github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("migration failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the lead drip contact store schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")

	var max int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(configPath, func(db *sql.DB) error {
				n, err := crm.Migrate(db, migrate.Up, max)
				if err != nil {
					return fmt.Errorf("migrating up: %w", err)
				}
				fmt.Printf("Applied %d migrations!\n", n)
				return nil
			})
		},
	}
	up.Flags().IntVar(&max, "max", 0, "apply at most this many migrations (0 for all)")

	steps := 1
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(configPath, func(db *sql.DB) error {
				n, err := crm.Migrate(db, migrate.Down, steps)
				if err != nil {
					return fmt.Errorf("migrating down: %w", err)
				}
				fmt.Printf("Rolled back %d migrations!\n", n)
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back (0 for all)")

	status := &cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(configPath, func(db *sql.DB) error {
				records, err := crm.Applied(db)
				if err != nil {
					return fmt.Errorf("reading migration records: %w", err)
				}
				for _, r := range records {
					fmt.Printf("  %s\tapplied %s\n", r.Id, r.AppliedAt.Format(time.RFC3339))
				}
				fmt.Printf("Total: %d applied\n", len(records))
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

func withDB(configPath string, fn func(db *sql.DB) error) error {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return err
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	if cfg.ContactStore.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.ContactStore.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	logger.Component("migrate").Info("connected to contact store")
	return fn(db)
}
