package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"forkchain/archiverpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Fork, then serve the archive RPC surface over the resulting chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		chain, cache, client, err := newChain(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		defer cache.Close()

		log.WithField("fork_number", chain.HeadNumber()).Info("fork ready")
		server := archiverpc.NewServer(chain)
		return server.ListenAndServe(cfg.RPC.ListenAddr)
	},
}
