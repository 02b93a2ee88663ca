// Command kbsearch is the hybrid retrieval CLI and server.
package main

import (
	"os"

	"github.com/custodia-labs/kbsearch/internal/adapters/driving/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
