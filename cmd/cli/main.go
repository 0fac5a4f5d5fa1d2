// Package main is the entry point for the buildctl CLI.
// buildctl submits builds to the build queue and inspects recorded builds
// through the worker's HTTP API.
package main

import (
	"os"

	"buildrunner/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
