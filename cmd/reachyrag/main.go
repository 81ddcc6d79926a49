// Command reachyrag answers Reachy 2 SDK questions from weighted retrieval
// over the SDK documentation collections. It provides a CLI (via Cobra) and
// an HTTP server.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/reachyrag-go/cmd/reachyrag/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
