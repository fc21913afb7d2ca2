package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gridwatch/internal/app"
	"gridwatch/internal/config"
	"gridwatch/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "gridwatch",
	Short: "Watch feeder voltage and current for power-quality alerts",
	Long: `gridwatch ingests voltage and current readings from a live feed (HTTP poll,
MQTT or POST /api/ingest) and falls back to a seeded generator when the feed is quiet.

Each reading passes through a rolling window. Current spikes alert immediately.
Voltage deviations alert only after they hold through the debounce delay.
Alerts fan out to the websocket dashboard and to the configured sinks
(Telegram, MQTT, AMQP, Kafka, Event Hubs) and are audited in Postgres.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
