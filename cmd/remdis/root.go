package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "remdis",
	Short: "remdis runs the incremental-unit spoken-dialogue pipeline",
	Long: `remdis wires the ASR, VAP, Dialogue, LLM, TTS, and telephony/
browser bridge modules onto one incremental-unit bus and runs them as
a single process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration document")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
