// Package main provides the entry point for the phalanx CLI tool.
package main

import (
	"os"

	"github.com/phalanx-rt/phalanx/cmd/phalanx/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
