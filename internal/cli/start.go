package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/kurir/internal/config"
	"github.com/harun/kurir/internal/daemon"
	"github.com/harun/kurir/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Kurir daemon service",
	Long: `Start the Kurir daemon service. The daemon receives messages from the
enabled channel connectors and runs the agent loop until terminated.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}

	return d.Run()
}
