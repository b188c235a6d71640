package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bascula/netmoded/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "netmoded",
		Short: "netmoded - network mode orchestrator",
		Long:  `netmoded - network mode orchestrator and Wi-Fi provisioning daemon`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize config and bind global flags to the config
			return core.InitializeConfig(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", core.BaseDirName,
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewServeCommand(),
		NewStatusCommand(),
		NewPinCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
