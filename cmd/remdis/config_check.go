package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/leo-huovi/remdis/internal/config"
	"github.com/leo-huovi/remdis/internal/errs"
)

var configCheckDump bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate the remdis configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the configuration document without starting any module",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return errs.New(errs.KindConfigInvalid, "config check", err)
		}
		fmt.Printf("config ok: %s\n", configPath)
		fmt.Printf("  dialogue.threshold=%v dialogue.history_length=%d\n", cfg.Dialogue.Threshold, cfg.Dialogue.HistoryLength)
		fmt.Printf("  http_server.address=%s\n", cfg.HTTPServer.Address)
		if configCheckDump {
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return errs.New(errs.KindConfigInvalid, "config check", err)
			}
			fmt.Println("---")
			fmt.Print(string(out))
		}
		return nil
	},
}

func init() {
	configCheckCmd.Flags().BoolVar(&configCheckDump, "dump", false, "print the fully-resolved configuration as YAML")
	configCmd.AddCommand(configCheckCmd)
}
