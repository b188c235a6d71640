package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's effective network mode",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			body, err := daemonGet("/status")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon is not running.")
				os.Exit(1)
			}

			format, _ := cmd.Flags().GetString("format")
			if format == "json" {
				os.Stdout.Write(body)
				fmt.Println()
				return
			}

			var payload struct {
				Mode    string `json:"effectiveMode"`
				Reason  string `json:"reason"`
				ForceAP bool   `json:"forceAp"`
				Status  struct {
					Online            bool   `json:"online"`
					Connectivity      string `json:"connectivity"`
					EthernetConnected bool   `json:"ethernetConnected"`
					APActive          bool   `json:"apActive"`
					Wifi              struct {
						Connected bool   `json:"connected"`
						SSID      string `json:"ssid"`
					} `json:"wifi"`
				} `json:"status"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				fmt.Fprintf(os.Stderr, "Unexpected response: %v\n", err)
				os.Exit(1)
			}

			fmt.Printf("Mode:         %s (%s)\n", payload.Mode, payload.Reason)
			fmt.Printf("Online:       %v (connectivity: %s)\n", payload.Status.Online, payload.Status.Connectivity)
			fmt.Printf("Ethernet:     %v\n", payload.Status.EthernetConnected)
			if payload.Status.Wifi.Connected {
				fmt.Printf("Wi-Fi:        connected to %q\n", payload.Status.Wifi.SSID)
			} else {
				fmt.Printf("Wi-Fi:        not connected\n")
			}
			fmt.Printf("Access point: %v\n", payload.Status.APActive)
			if payload.ForceAP {
				fmt.Println("Force-AP:     enabled")
			}
		},
	}
	statusCmd.Flags().StringP("format", "f", "text", "output format (text|json)")

	return statusCmd
}

// daemonGet performs a loopback request against the running daemon.
func daemonGet(path string) ([]byte, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + loopbackAddr() + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
