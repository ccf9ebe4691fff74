// Command dedupindexctl is the operator CLI for a dedup index: create a
// fresh volume, inspect its on-disk layout, force a rebuild from the data
// volume, or trigger a checkpoint save.
package main

import (
	"fmt"
	"os"

	"github.com/deduphq/dedupindex/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
