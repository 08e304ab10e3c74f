package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vertextoedge/installer-fetch/internal/adapter/sqlite"
	"github.com/vertextoedge/installer-fetch/internal/config"
	"github.com/vertextoedge/installer-fetch/internal/domain"
	"github.com/vertextoedge/installer-fetch/internal/downloader"
	"github.com/vertextoedge/installer-fetch/internal/logger"
	"github.com/vertextoedge/installer-fetch/internal/metrics"
	"github.com/vertextoedge/installer-fetch/internal/progress"
	"github.com/vertextoedge/installer-fetch/internal/transfer"
)

const version = "0.1.0"

// app holds the components shared by every command
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	session  *transfer.Session
	metrics  *metrics.Metrics
	renderer *progress.Renderer
}

var (
	configPath  string
	logLevel    string
	metricsAddr string
	assumeYes   bool

	state app
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	logger.Sync()
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "installer-fetch",
		Short:        "Download and verify OS installer and recovery payloads",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Overwrite existing files without asking")

	cmd.AddCommand(newDownloadCmd(), newVerifyCmd(), newRecoveryCmd(), newHistoryCmd())
	return cmd
}

func setup(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	zapLogger := logger.GetZapLogger()
	zapLogger.Debug("starting installer-fetch",
		zap.String("version", version),
		zap.String("config", configPath))

	state = app{
		cfg:      cfg,
		logger:   zapLogger,
		session:  transfer.NewSession(cfg.Transfer.SessionConfig(), logger.Named("transfer")),
		metrics:  metrics.New(),
		renderer: progress.NewRenderer(os.Stdout, cfg.Download.GetProgressInterval()),
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := state.metrics.Serve(ctx, cfg.Metrics.Addr, logger.Named("metrics")); err != nil {
				zapLogger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (a *app) newDownloader() *downloader.Downloader {
	return downloader.New(a.session, downloader.Options{
		ChunkSize:        a.cfg.Download.GetChunkSize(),
		MaxRestarts:      a.cfg.Download.MaxRestarts,
		ConfirmOverwrite: a.confirmOverwrite,
		Observer:         a.metrics,
	}, logger.Named("downloader"))
}

// confirmOverwrite asks on the terminal unless --yes was given
func (a *app) confirmOverwrite(path string) bool {
	if assumeYes {
		return true
	}
	fmt.Fprintf(os.Stderr, "%s already exists. Overwrite? [y/N] ", path)
	var answer string
	fmt.Fscanln(os.Stdin, &answer)
	return answer == "y" || answer == "Y" || answer == "yes"
}

// openLedger opens the transfer ledger. The default location is under the
// user cache directory.
func (a *app) openLedger() (*sqlite.Store, error) {
	path := a.cfg.Database.Path
	if path == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate cache directory: %w", err)
		}
		path = filepath.Join(dir, "installer-fetch", "ledger.db")
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}

	if n, err := store.Prune(a.cfg.Database.GetRetention()); err != nil {
		a.logger.Warn("failed to prune ledger", zap.Error(err))
	} else if n > 0 {
		a.logger.Debug("pruned ledger", zap.Int("removed", n))
	}
	return store, nil
}
