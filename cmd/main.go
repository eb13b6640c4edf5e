package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/ticket-watcher/internal/config"
	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:   "ticket-watcher",
	Short: "Watch a ticketing site for showtimes and book them",
	Long: `ticket-watcher keeps booking jobs moving: it watches the site for each
job's movie, asks the user when only other showtimes are listed, and books
as soon as an acceptable one appears.

Commands:
  serve  - run the scheduler, both workers and the HTTP API (default)
  tick   - run one scheduler pass and print its report`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}
		log.InitLogger(log.ParseLevel(os.Getenv("LOG_LEVEL")))
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, the workers and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		return runWithComponents(ctx, cfg.HTTP.Addr, a.server, a.components()...)
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler pass against the store and exit",
	Long: `tick expires, escalates and enqueues exactly once, then drains the
watch and booking queues before exiting. Useful from an external cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.tickOnce(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tickCmd)
}

// loadConfig reads the environment, then overlays the persisted runtime
// settings when the file exists.
func loadConfig() (*config.Config, error) {
	var opts []config.Option
	if settings, err := config.LoadRuntimeSettingsFile(config.RuntimeSettingsFilePath()); err == nil {
		opts = append(opts, config.WithRuntimeSettings(settings))
	} else if !os.IsNotExist(err) {
		log.Warn("Ignoring runtime settings file: %v", err)
	}
	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Log.Level != "" {
		log.GetLogger().SetLevel(log.ParseLevel(cfg.Log.Level))
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
