package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BaseDirName      = "/etc/netmoded"
	SettingsFileName = "config.json"
	JournalFileName  = "transitions.db"
)

var Config *viper.Viper

var globalFlagsToConfigKey = map[string]string{
	"config-path": "config_path",
	"verbose":     "verbose",
}

func GetSettingsPath() string {
	return filepath.Join(Config.GetString("settings.dir"), SettingsFileName)
}

func GetJournalPath() string {
	return filepath.Join(Config.GetString("settings.dir"), JournalFileName)
}

func GetListenAddr() string {
	return Config.GetString("http.listen")
}

func GetAPSSID() string {
	return Config.GetString("ap.ssid")
}

func GetAPPassword() string {
	return Config.GetString("ap.password")
}

func GetAPInterface() string {
	return Config.GetString("ap.interface")
}

func GetAPAddress() string {
	return Config.GetString("ap.address")
}

func GetAPCountry() string {
	return Config.GetString("ap.country")
}

func GetEthernetInterface() string {
	return Config.GetString("ethernet.interface")
}

func GetReconcileInterval() time.Duration {
	return Config.GetDuration("reconcile.interval")
}

func GetConnectRetryBudget() int {
	return Config.GetInt("reconcile.retry_budget")
}

func GetConnectTimeout() time.Duration {
	return Config.GetDuration("reconcile.connect_timeout")
}

func GetProbeEndpoints() []string {
	return Config.GetStringSlice("probe.endpoints")
}

func GetPINLength() int {
	return Config.GetInt("pin.length")
}

func GetPINMaxAttempts() int {
	return Config.GetInt("pin.max_attempts")
}

func GetPINWindow() time.Duration {
	return Config.GetDuration("pin.window")
}

func InitializeConfig(cmd *cobra.Command) error {
	Config = viper.New()

	// Set config path from user input
	configPath, err := cmd.Root().PersistentFlags().GetString("config-path")
	if err != nil {
		return fmt.Errorf("unable to determine config path: %w", err)
	}
	Config.AddConfigPath(configPath)

	// Set config name
	Config.SetConfigName("netmoded")
	Config.SetConfigType("toml")

	// Set defaults. The AP password default is deliberately non-empty so a
	// missing config file never produces an open provisioning network.
	Config.SetDefault("verbose", 0)
	Config.SetDefault("http.listen", ":8080")
	Config.SetDefault("settings.dir", filepath.Join(defaultHome(), ".bascula"))
	Config.SetDefault("ap.ssid", "Bascula-AP")
	Config.SetDefault("ap.password", "bascula1234")
	Config.SetDefault("ap.interface", "wlan0")
	Config.SetDefault("ap.address", "192.168.4.1/24")
	Config.SetDefault("ap.country", "ES")
	Config.SetDefault("ethernet.interface", "eth0")
	Config.SetDefault("reconcile.interval", "5s")
	Config.SetDefault("reconcile.retry_budget", 3)
	Config.SetDefault("reconcile.connect_timeout", "45s")
	Config.SetDefault("probe.endpoints", []string{
		"http://connectivity-check.ubuntu.com",
		"http://clients3.google.com/generate_204",
	})
	Config.SetDefault("pin.length", 6)
	Config.SetDefault("pin.max_attempts", 5)
	Config.SetDefault("pin.window", "1m")

	// Setup env reading
	Config.SetEnvPrefix("netmoded")

	// Load config file, if present. A missing file is fine: defaults plus
	// environment variables fully describe a working device.
	if err := Config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config file at %s is unreadable: %w", configPath, err)
		}
	}

	// In order to get environment variables mapped into config sections, we need to replace . with _
	Config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Config.AutomaticEnv() // read in environment variables that match

	// Bind the current command's flags to viper
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			// Is this a global flag
			configKey, ok := globalFlagsToConfigKey[f.Name]
			if !ok {
				return
			}

			// Apply the viper config value to the flag when the flag is not set and viper has a value
			if !f.Changed && Config.IsSet(configKey) {
				cmd.Flags().Set(f.Name, fmt.Sprintf("%v", Config.Get(configKey)))
			} else {
				Config.Set(configKey, fmt.Sprintf("%v", f.Value))
			}
		})
	}

	return nil
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/home/pi"
	}
	return home
}
