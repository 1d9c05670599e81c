// Command txexec serves handlers through the retrying transactional
// execution container.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/txexec/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
