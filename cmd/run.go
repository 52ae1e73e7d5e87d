package cmd

import (
	"errors"
	"log"

	"github.com/melancholy-txt/goofy/goofy"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Connects the bot to discord and starts handling commands",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := goofy.New(cfg)
			if err != nil {
				if errors.Is(err, goofy.ErrMissingToken) {
					log.Fatal(err.Error())
				}
				log.Fatalf("error creating goofy: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running goofy: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits // cobra setup
func init() {
	rootCmd.AddCommand(runCmd)
}
