package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"forkchain/pkg/config"
)

var (
	envFlag string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "forknode",
	Short: "Fork a live chain and build additional blocks locally against its runtime",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(envFlag)
		if err != nil {
			return err
		}
		cfg = c
		if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
			log.SetLevel(level)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFlag, "env", "", "environment overlay merged onto config/default.yaml")
	rootCmd.AddCommand(forkCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(serveCmd)
}
