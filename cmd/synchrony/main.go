// Command synchrony processes transaction batches in parallel with
// linearizability proofs and atomic commit.
package main

import (
	"fmt"
	"os"

	"github.com/diotec-barros/diotec360-sub008/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "synchrony:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
