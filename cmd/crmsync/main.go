// Package main provides the crmsync CLI.
package main

import (
	"os"

	"github.com/leapstack-labs/crmsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
