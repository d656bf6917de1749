// Package main is the entry point for the rookclaw CLI.
package main

import (
	"os"

	"github.com/RookClaw/RookClaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
