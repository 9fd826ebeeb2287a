package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"socialrelay/migrations"
)

func newMigrateCommand() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:       "migrate <command>",
		Short:     "Manage the database schema",
		Long:      "Run a goose migration command: " + strings.Join(migrations.Commands, ", "),
		ValidArgs: migrations.Commands,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sql.Open("sqlite", dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			return migrations.Exec(db, args[0])
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", envOrDefault("DATABASE_PATH", "./data/relay.db"), "path to sqlite database")
	return cmd
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
