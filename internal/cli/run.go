package cli

import (
	"github.com/spf13/cobra"
)

var (
	runSource     string
	runPrecedence string
	runNoAPI      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runSource != "" {
			a.Config.Source.Mode = runSource
		}
		if runPrecedence != "" {
			a.Config.Pipeline.SpikePrecedence = runPrecedence
		}
		if runNoAPI {
			a.Config.API.Enabled = false
		}
		if err := a.Config.Validate(); err != nil {
			return err
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "Override data source (simulation, mqtt, http)")
	runCmd.Flags().StringVar(&runPrecedence, "precedence", "", "Override spike precedence (independent, spike_suppresses_voltage)")
	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "Disable the HTTP/websocket API")
}
