// v2
// cmd/optimizer/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nrgchamp/optimizer/internal/app"
	"nrgchamp/optimizer/internal/config"
	"nrgchamp/optimizer/internal/models"
)

func main() {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "optimizer",
		Short: "Energy optimization pipeline service",
		Long: `optimizer aggregates energy readings per day, detects daily threshold
breaches and drives each breach through decision and execution.

Configuration is read from optimizer.properties (OPTIMIZER_PROPERTIES_PATH)
and environment variables.`,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(bootstrap), decideCmd(bootstrap))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		bootstrap.Error("command_failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func serveCmd(bootstrap *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the event pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			application, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := application.Close(); cerr != nil {
					bootstrap.Error("app_close_failed", slog.Any("err", cerr))
				}
			}()

			logger := application.Logger()
			logger.Info("service_boot",
				slog.String("listen_address", cfg.ListenAddress),
				slog.String("properties_path", cfg.PropertiesPath),
				slog.String("store_driver", cfg.StoreDriver),
				slog.String("bus_driver", cfg.BusDriver),
				slog.String("execute_mode", cfg.ExecuteMode),
			)
			if err := application.Run(cmd.Context()); err != nil {
				return err
			}
			logger.Info("service_stopped")
			return nil
		},
	}
}

// decideCmd runs the decision engine once and prints the decision as JSON.
func decideCmd(bootstrap *slog.Logger) *cobra.Command {
	var total, threshold float64
	var date string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Produce a single decision for a usage total and threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if threshold <= 0 {
				return errors.New("--threshold must be positive")
			}
			if total <= threshold {
				return errors.New("--total must exceed --threshold")
			}
			if date == "" {
				date = time.Now().UTC().Format(models.DateLayout)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			engine := app.BuildEngine(cfg, bootstrap, nil)
			d := engine.Decide(cmd.Context(), total, threshold, total-threshold, date)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
	cmd.Flags().Float64Var(&total, "total", 0, "daily consumption total")
	cmd.Flags().Float64Var(&threshold, "threshold", models.DefaultDailyMax, "daily maximum")
	cmd.Flags().StringVar(&date, "date", "", "usage date (YYYY-MM-DD), defaults to today")
	return cmd
}
