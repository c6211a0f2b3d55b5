package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/config"
	"github.com/JakeFAU/listing-harvester/internal/logging"
)

func newRunCmd(load func() (config.Config, error)) *cobra.Command {
	var keepServing bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one campaign over every configured target and query",
		Long: `Runs one campaign. The ops server (health, metrics, campaign summary and
progress) listens while the campaign runs. With --serve it keeps listening
after the campaign finishes until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, keepServing)
		},
	}
	cmd.Flags().BoolVar(&keepServing, "serve", false, "keep the ops server up after the campaign finishes")
	return cmd
}

func run(parent context.Context, cfg config.Config, keepServing bool) error {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File: logging.FileConfig{
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close(logger, cfg.Server.ShutdownTimeout)

	var srv *http.Server
	if cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           app.server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http server started", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	campaignCtx := ctx
	if cfg.Campaign.Timeout > 0 {
		var cancel context.CancelFunc
		campaignCtx, cancel = context.WithTimeout(ctx, cfg.Campaign.Timeout)
		defer cancel()
	}

	items := cfg.WorkItems()
	logger.Info("campaign starting",
		zap.String("campaign_id", app.campaignID.String()),
		zap.Int("items", len(items)),
		zap.Int("workers", cfg.Workers()),
		zap.String("sink", cfg.Sink.Kind),
	)
	summary, runErr := app.coordinator.RunCampaign(campaignCtx, app.campaignID, items)
	logger.Info("campaign finished",
		zap.String("campaign_id", summary.CampaignID),
		zap.String("status", string(summary.Status)),
		zap.Int("resolved", summary.Resolved),
		zap.Int("abandoned", summary.Abandoned),
		zap.Int("skipped", summary.Skipped),
		zap.Int("canceled", summary.Canceled),
		zap.Int("attempts", summary.Attempts),
		zap.Int("records", summary.Records),
	)

	if keepServing && srv != nil && runErr == nil {
		logger.Info("campaign done; serving until signal")
		<-ctx.Done()
	}

	if srv != nil {
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return fmt.Errorf("run campaign: %w", runErr)
	}
	return nil
}
