/*
PURPOSE:
  Entry point for the Prompt Harness application.
  Initializes the CLI root command and executes it.

REQUIREMENTS:
  User-specified:
  - Must serve as the single binary entry point.
  - Must handle top-level errors gracefully.

  Implementation-discovered:
  - Uses cobra for CLI command management.

ARCHITECTURE INTEGRATION:
  - Calls: internal/cli.Execute()
  - Depends on: internal/cli package

ERROR HANDLING:
  - Explicit error check on Execute(); exit code 1 on failure.

IMPLEMENTATION RULES:
  - Keep main() minimal. All logic belongs in internal/ packages.
  - Do not use global variables for state here.

USAGE:
  go build -o prompt-harness ./cmd/prompt-harness
  ./prompt-harness [command] [flags]

RELATED FILES:
  - internal/cli/root.go - The actual root command definition.
*/

package main

import (
	"fmt"
	"os"

	"github.com/daryltucker/prompt-harness/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
