package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"forkchain/internal/hashutil"
)

var buildCount int

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Fork, then build one or more empty blocks on top of the fork point",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		chain, cache, client, err := newChain(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		defer cache.Close()

		for i := 0; i < buildCount; i++ {
			block, err := chain.BuildEmptyBlock(ctx)
			if err != nil {
				return fmt.Errorf("building block %d of %d: %w", i+1, buildCount, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built block: number=%d hash=%s\n", block.Number, hashutil.HexLower(block.Hash))
		}
		return nil
	},
}

func init() {
	buildCmd.Flags().IntVar(&buildCount, "count", 1, "number of empty blocks to build")
}
