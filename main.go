// Package main is the entry point for the aofd agentic operations fabric
// daemon and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/firestige-labs/aof/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
