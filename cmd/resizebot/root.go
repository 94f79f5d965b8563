package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "resizebot",
	Short: "resizebot is a chat bot that resizes images to a requested width",
	Long: `resizebot receives images from Telegram (and optionally Discord), asks the
sender for a target width and replies with the image resized to that width,
preserving the aspect ratio.`,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
