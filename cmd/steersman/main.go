// Package main is the entry point for the steersman CLI.
package main

import (
	"os"

	"github.com/steersman/steersman/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
