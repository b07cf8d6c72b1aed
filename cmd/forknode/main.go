// Command forknode drives the forked-chain execution engine: it forks
// a live chain at a block, builds additional blocks locally against
// the runtime, and serves an archive RPC surface over the result.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("forknode exited with an error")
		os.Exit(1)
	}
}
