package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hostpanel/internal/logging"
)

var (
	flagURL       string
	flagInterval  time.Duration
	flagTimeout   time.Duration
	flagOnce      bool
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Continuously triggers the auto-suspend scan",
	Long:  `Calls the panel's monitor endpoint on a fixed interval and logs each scan summary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.Config{Format: flagLogFormat, Level: flagLogLevel, Component: "monitor"})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := NewMonitor(flagURL, flagInterval, flagTimeout)
		if flagOnce {
			_, err := m.PollOnce(ctx)
			return err
		}
		return m.Run(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagURL, "url", "http://localhost:8080/monitor/auto-suspend", "monitor endpoint URL")
	rootCmd.Flags().DurationVar(&flagInterval, "interval", 5*time.Minute, "time between scans")
	rootCmd.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Minute, "per-scan request timeout")
	rootCmd.Flags().BoolVar(&flagOnce, "once", false, "run a single scan and exit")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level")
	rootCmd.Flags().StringVar(&flagLogFormat, "log-format", "console", "log format (json or console)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		log.Error().Err(err).Msg("monitor exited")
		os.Exit(1)
	}
}
