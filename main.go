package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bascula/netmoded/cmd"
	"github.com/bascula/netmoded/internal/nm"
)

// Exit codes follow sysexits: EX_TEMPFAIL tells the service manager the
// failure is transient and a restart is worth trying.
const exitTempFail = 75

func main() {
	// If no command specified, default to status
	if len(os.Args) == 1 {
		os.Args = []string{os.Args[0], "status"}
	}

	root := cmd.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, nm.ErrRetryLater) {
			os.Exit(exitTempFail)
		}
		os.Exit(1)
	}
}
