package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/gbsim/internal/agent"
	"firestige.xyz/gbsim/internal/config"
	"firestige.xyz/gbsim/internal/log"
)

var shutdownTimeout time.Duration

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the simulated devices",
	Long: `
Start all devices from the device list and keep them registered until
interrupted.

Examples:
  gbsim start                     # Start with ./config.yml and shutdown timeout 10s
  gbsim start -c /etc/gbsim.yml   # Start with an explicit config file
  gbsim start -t 30s              # Allow up to 30s for graceful unregister on shutdown
`,
	Run: func(cmd *cobra.Command, args []string) {
		runStartCommand()
	},
}

func init() {
	startCmd.Flags().DurationVarP(&shutdownTimeout, "timeout", "t", 10*time.Second,
		"graceful shutdown timeout")
	rootCmd.AddCommand(startCmd)
}

func runStartCommand() {
	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError("failed to load config", err)
	}

	log.Init(&cfg.Log)
	logger := log.GetLogger()

	devices, err := config.LoadDevices(cfg.DevicesFile)
	if err != nil {
		exitWithError("failed to load device list", err)
	}

	pool, err := agent.NewPool(cfg, devices)
	if err != nil {
		exitWithError("failed to build agent pool", err)
	}

	if err := pool.StartAll(); err != nil {
		exitWithError("failed to start agents", err)
	}
	logger.Infof("gbsim started: %d device(s), server %s:%d",
		pool.Count(), cfg.Server.IP, cfg.Server.Port)

	// Block until SIGINT/SIGTERM, then unwind everything.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received signal %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	pool.StopAll(ctx)
	logger.Info("gbsim stopped")
}
