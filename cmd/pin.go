package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bascula/netmoded/internal/core"
)

func NewPinCommand() *cobra.Command {
	pinCmd := &cobra.Command{
		Use:   "pin",
		Short: "Print the current provisioning PIN",
		Long:  "Print the per-boot provisioning PIN. Only works on the device itself.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			body, err := daemonGet("/pin")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon is not running.")
				os.Exit(1)
			}
			var payload struct {
				PIN string `json:"pin"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				fmt.Fprintf(os.Stderr, "Unexpected response: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(payload.PIN)
		},
	}
	return pinCmd
}

// loopbackAddr rewrites the configured listen address into one a local
// client can dial.
func loopbackAddr() string {
	addr := core.GetListenAddr()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" || strings.EqualFold(host, "localhost") {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
