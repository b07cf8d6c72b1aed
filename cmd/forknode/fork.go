package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"forkchain/internal/hashutil"
)

var forkCmd = &cobra.Command{
	Use:   "fork",
	Short: "Connect to the configured endpoint, pin the fork point, and print its details",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		chain, cache, client, err := newChain(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		defer cache.Close()

		head := chain.Head()
		fmt.Fprintf(cmd.OutOrStdout(), "fork point: number=%d hash=%s\n", head.Number, hashutil.HexLower(head.Hash))
		return nil
	},
}
