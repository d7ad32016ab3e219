// Command scriptcue serves a teleprompter whose cursor follows the
// presenter's speech through a script.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "scriptcue:", err)
		}
		os.Exit(1)
	}
}
