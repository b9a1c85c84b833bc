// Package main is the entry point for the tsubridge application.
package main

import (
	"os"

	"github.com/miyako-dev/tsubridge/cmd/tsubridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
