// Command orchestrator is the CLI entrypoint: the §6.6 flag surface only.
package main

import (
	"os"

	"github.com/taskforge/orchestrator/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
