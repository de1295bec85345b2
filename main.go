// treegrep is a resumable recursive regular expression search for file trees.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jparise/treegrep/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, cmd.ErrNoMatches) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(cmd.ExitCode(err))
	}
}
