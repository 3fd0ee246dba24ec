// Package main is the entry point for the orchestrator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/kiautoagent/orchestrator/cmd/orchestrator/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCode(err))
	}
}
