package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/gbsim/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration without starting",
	Long: `Validate the global config file and the device list it references.

This is useful for pre-checking configuration before deployment. The command
exits non-zero when any device entry is malformed (bad ID length, duplicate
IDs, missing credentials) or the global config is inconsistent.

Examples:
  gbsim validate
  gbsim validate -c /etc/gbsim.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidateCommand() {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	devices, err := config.LoadDevices(cfg.DevicesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	channels := 0
	for _, d := range devices {
		channels += len(d.Channels)
	}
	fmt.Printf("VALID: server %s:%d (%s), %d device(s), %d channel(s)\n",
		cfg.Server.IP, cfg.Server.Port, cfg.Server.Transport, len(devices), channels)
}
