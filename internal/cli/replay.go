package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"gridwatch/internal/app"
)

var replayOpts app.ReplayOptions

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Feed recorded JSONL payloads through the pipeline and print the alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayOpts.Path == "" {
			return fmt.Errorf("--file is required")
		}
		if replayOpts.Interval < 0 {
			return fmt.Errorf("--interval must not be negative")
		}
		return getApp().Replay(cmd.Context(), replayOpts)
	},
}

func init() {
	replayCmd.Flags().StringVarP(&replayOpts.Path, "file", "f", "", "JSONL file with one payload per line")
	replayCmd.Flags().DurationVar(&replayOpts.Interval, "interval", 0, "Virtual time between payloads (defaults to the throttle interval)")
	replayCmd.Flags().BoolVar(&replayOpts.Flush, "flush", false, "Fire alerts still pending after the last payload")
	replayCmd.Flags().BoolVar(&replayOpts.Notify, "notify", false, "Also deliver alerts to the configured sinks")
}
