// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gbsim",
	Short: "gbsim - GB28181 camera device simulator",
	Long: `gbsim simulates a fleet of GB28181 camera devices against a SIP platform.
Each device runs its own SIP endpoint: registration with digest authentication,
periodic keepalive, catalog/device-info/device-status query answering, PTZ
control decoding, and INVITE/ACK/BYE media sessions handed off to ffmpeg.

Features:
  - Multiple independent devices from a single YAML device list
  - Per-device registration and keepalive state machines with failure backoff
  - UDP and TCP SIP transports
  - RTP port leasing with exhaustion protection`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yml",
		"config file path")
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
