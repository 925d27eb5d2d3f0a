package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/app"
	"github.com/JakeFAU/pdp-extractor/internal/config"
	"github.com/JakeFAU/pdp-extractor/internal/dispatcher"
)

const closeTimeout = 15 * time.Second

// newApp is swapped in tests.
var newApp = func(ctx context.Context, cfg config.Config) (runner, error) {
	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		return nil, err
	}
	return a, nil
}

type runner interface {
	Run(ctx context.Context) (dispatcher.Summary, error)
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract fields from every product page in the input file",
		Long: `Runs one extraction pass over the input file. Tasks that already have a
result in the output file are skipped. SIGINT or SIGTERM stops the run after
in-flight pages finish and the checkpoint is flushed; the exit code is then 2.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExtraction(cmd, v)
		},
	}
	f := cmd.Flags()
	f.String("input", "", "input CSV or XLSX with one task per row")
	f.String("output", "", "output CSV or XLSX, also the resume checkpoint")
	f.Int("workers", 0, "concurrent browser sessions")
	f.Int("limit", 0, "process only the first N input rows (0 means all)")
	f.Bool("headless", true, "run the browser without a window")
	f.String("engine", "", "renderer engine: chromedp, rod, static or auto")
	f.String("addr", "", "serve the status API on this address")

	bind := map[string]string{
		"input.path":        "input",
		"output.path":       "output",
		"run.workers":       "workers",
		"input.limit":       "limit",
		"renderer.headless": "headless",
		"renderer.engine":   "engine",
		"server.addr":       "addr",
	}
	for key, flag := range bind {
		// flags exist, so BindPFlag cannot fail
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func runExtraction(cmd *cobra.Command, v *viper.Viper) error {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.LoadWith(v, cfgPath)
	if err != nil {
		return &exitError{code: ExitFatal, err: fmt.Errorf("load config: %w", err)}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return &exitError{code: ExitFatal, err: fmt.Errorf("initialize: %w", err)}
	}
	logger := a.Logger()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	summary, runErr := a.Run(ctx)
	// A signal that lands after Run returned cleanly does not make the run interrupted.
	interrupted := summary.Interrupted || errors.Is(runErr, context.Canceled)
	switch {
	case runErr != nil && !interrupted:
		return &exitError{code: ExitFatal, err: fmt.Errorf("run: %w", runErr)}
	case interrupted:
		logger.Warn("run interrupted, rerun to resume",
			zap.Int("completed", summary.Completed),
			zap.Int("abandoned", summary.Abandoned),
		)
		return &exitError{code: ExitInterrupted}
	}
	logger.Info("run finished",
		zap.Int("total", summary.Total),
		zap.Int("resumed", summary.Resumed),
		zap.Int("completed", summary.Completed),
	)
	return nil
}
