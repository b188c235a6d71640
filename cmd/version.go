package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bascula/netmoded/internal/core"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stderr, "Client version: %s\n", core.Version)

			body, err := daemonGet("/healthz")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}
			var payload struct {
				Version string `json:"version"`
			}
			if err := json.Unmarshal(body, &payload); err == nil && payload.Version != "" {
				fmt.Fprintf(os.Stderr, "Daemon version: %s\n", payload.Version)
			}
		},
	}

	return versionCmd
}
