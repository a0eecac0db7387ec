package cmd

import (
	"log"

	"github.com/EcoEngineDev/PuddlesBot/puddlesbot"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the PuddlesBot discord bot and dashboard API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := puddlesbot.New(cfg)
			if err != nil {
				log.Fatalf("error creating puddlesbot: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running puddlesbot: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
