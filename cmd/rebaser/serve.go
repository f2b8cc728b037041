package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rebaser/api"
	"rebaser/events"
	"rebaser/logger"
	"rebaser/rebase"
	"rebaser/store"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rebase service and its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Address to listen on (default: $REBASER_LISTEN or :7448)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	log := logger.Get()

	log.Info("rebaser starting",
		zap.String("listen", cfg.Listen),
		zap.String("data", cfg.DataDir),
		zap.Duration("quiescent_period", cfg.QuiescentPeriod),
		zap.Int("max_attempts", cfg.MaxAttempts),
		zap.Duration("snapshot_grace", cfg.SnapshotEvictionGrace),
		zap.String("version", cfg.Version),
	)

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	bus := events.NewBus(log.Named("events"))
	dvu := rebase.NewDebouncer(cfg.DependentValueDebounce, func(key store.Key) {
		log.Info("dependent values pending",
			zap.String("workspace_id", key.WorkspaceID.String()),
			zap.String("change_set_id", key.ChangeSetID.String()),
		)
	})
	defer dvu.Stop()

	svc := rebase.New(db, serviceConfig(cfg),
		rebase.WithLogger(log.Named("rebase")),
		rebase.WithPublisher(bus),
		rebase.WithNotifier(dvu),
	)

	router := api.NewRouter(svc, bus, cfg, log.Named("api"))
	srv := api.NewServer(cfg.Listen, api.WithDefaults(router, log.Named("http")))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(ctx)
	})
	g.Go(func() error {
		log.Info("rebaser listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return collectSnapshots(ctx, db, log)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		// Event streams are hijacked connections; closing the bus ends them.
		bus.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("rebaser stopped")
	return nil
}

// collectSnapshots periodically deletes snapshots that eviction after a
// pointer move missed, such as ones still inside their grace period.
func collectSnapshots(ctx context.Context, db *store.DB, log *zap.Logger) error {
	interval := max(cfg.SnapshotEvictionGrace, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := db.CollectSnapshots(ctx, cfg.SnapshotEvictionGrace)
			if err != nil {
				log.Warn("collecting snapshots", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("snapshots collected", zap.Int64("count", n))
			}
		}
	}
}
