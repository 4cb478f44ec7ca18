// Package main is the entry point for the flowtail agent.
package main

import (
	"os"

	"github.com/flowtail/agent/cmd/flowtail/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
