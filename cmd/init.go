package cmd

import (
	"errors"
	"fmt"
	"log"

	"github.com/melancholy-txt/goofy/goofy"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create and migrate the database, and check the patpat template",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable GOOFY_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable GOOFY_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := goofy.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Database migrated.")

		templatePath := cfg.PatPat.TemplatePath
		tmpl, err := goofy.LoadTemplate(templatePath)
		switch {
		case errors.Is(err, goofy.ErrAssetNotFound):
			fmt.Fprintf(out, "Warning: patpat template %q not found, /patpat will fail until it exists.\n", templatePath)
		case err != nil:
			fmt.Fprintf(out, "Warning: unable to load patpat template %q: %v\n", templatePath, err)
		default:
			fmt.Fprintf(
				out,
				"Found patpat template %q (%dx%d, %d frames).\n",
				templatePath,
				tmpl.Width,
				tmpl.Height,
				tmpl.Len(),
			)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits // cobra setup
func init() {
	rootCmd.AddCommand(initCmd)
}
