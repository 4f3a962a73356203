// Package main provides the entry point for the corpusd CLI.
package main

import (
	"os"

	"github.com/Zykairotis/corpusd/cmd/corpusd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
