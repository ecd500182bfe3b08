// agroflow is the command-line entry for the collection platform:
// bronze collector runs, the monthly trade pipeline, the release-day
// scheduler, the yield forecast pass, and the task queue.
package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	appName = "agroflow"
	version = "v1.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Agricultural data collection and crop yield forecasting",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
			if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
				rotating := &lumberjack.Logger{
					Filename:   logFile,
					MaxSize:    50, // MB
					MaxBackups: 5,
					MaxAge:     30, // days
					Compress:   true,
				}
				var console zerolog.LevelWriter = zerolog.MultiLevelWriter(os.Stderr)
				if isatty.IsTerminal(os.Stderr.Fd()) {
					console = zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
				}
				log.Logger = log.Output(zerolog.MultiLevelWriter(console, rotating))
			}
		},
	}
	rootCmd.PersistentFlags().String("config", "config/agroflow.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this rotating file")

	rootCmd.AddCommand(
		fetchCmd(),
		monthlyCmd(),
		backfillCmd(),
		scheduleCmd(),
		statusCmd(),
		validateCmd(),
		yieldCmd(),
		tasksCmd(),
		monitorCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
