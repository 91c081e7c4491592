package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tidemark/tidemark/internal/api"
	"github.com/tidemark/tidemark/internal/config"
	"github.com/tidemark/tidemark/internal/ingest"
	"github.com/tidemark/tidemark/internal/management"
	"github.com/tidemark/tidemark/internal/pipeline"
	"github.com/tidemark/tidemark/internal/purge"
	"github.com/tidemark/tidemark/internal/stats"
	"github.com/tidemark/tidemark/internal/storage/sqlite"
	"github.com/tidemark/tidemark/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var metricsInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the readings service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, metricsInterval)
		},
	}
	cmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 0,
		"emit OpenTelemetry metrics on stderr at this interval (0 disables)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, metricsInterval time.Duration) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tel *telemetry.Telemetry
	if metricsInterval > 0 {
		var err error
		if tel, err = telemetry.Init(os.Stderr, metricsInterval); err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = tel.Shutdown(context.Background()) }()
	}

	storeCfg := sqlite.Config{
		Dir:                cfg.Storage.Dir,
		ReadingsToAllocate: cfg.Storage.ReadingsToAllocate,
		PurgeBlockSize:     cfg.Storage.PurgeBlockSize,
	}
	if tel != nil {
		storeCfg.BlockTimeObserver = func(d time.Duration) {
			tel.PurgeBlockMillis.Record(context.Background(),
				float64(d)/float64(time.Millisecond))
		}
	}
	store, err := sqlite.Open(ctx, storeCfg, log.With("component", "store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			log.Error("store close failed", "error", err)
		}
	}()

	// The management core is a collaborator, not a prerequisite: with no
	// URL configured the service runs standalone.
	var mgmt *management.Client
	var serviceID string
	if cfg.Service.ManagementURL != "" {
		if mgmt, err = management.NewClient(cfg.Service.ManagementURL, log.With("component", "management")); err != nil {
			return err
		}
		serviceID, err = mgmt.RegisterService(ctx, management.Service{
			Name:     cfg.Service.Name,
			Type:     "Southbound",
			Address:  cfg.Service.Address,
			Port:     cfg.Service.Port,
			Protocol: "http",
		})
		if err != nil {
			log.Warn("service registration failed, continuing standalone", "error", err)
		} else {
			log.Info("service registered", "id", serviceID)
			_ = mgmt.AuditEntry(ctx, "SRVRG", "INFORMATION",
				map[string]any{"name": cfg.Service.Name})
			defer func() {
				unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := mgmt.UnregisterService(unregCtx, serviceID); err != nil {
					log.Warn("service unregistration failed", "error", err)
				} else {
					_ = mgmt.AuditEntry(unregCtx, "SRVUN", "INFORMATION",
						map[string]any{"name": cfg.Service.Name})
				}
			}()
		}
	}

	var tracker stats.Tracker
	if mgmt != nil {
		tracker = mgmt
	}
	collector := stats.New(store, tracker, cfg.Service.Name, cfg.Service.Plugin,
		log.With("component", "stats"))

	pipe := pipeline.New(log.With("component", "pipeline"))
	if err := pipe.Load(filterSpecs(cfg.Filters)); err != nil {
		return err
	}

	scheduler := ingest.New(ingest.Config{
		QueueThreshold: cfg.Ingest.QueueThreshold,
		FlushTimeout:   cfg.Ingest.FlushTimeout(),
	}, store, pipe, collector, log.With("component", "ingest"))
	scheduler.SetTelemetry(tel)

	// Configuration changes rebuild the filter chain without restarting
	// the service.
	config.Watch(configPath, log.With("component", "config"), func(next *config.Config) {
		if err := scheduler.Reconfigure(filterSpecs(next.Filters)); err != nil {
			log.Error("pipeline reconfigure failed, keeping previous chain", "error", err)
		}
	})

	purger := purge.New(store, cfg.Purge.Interval(), cfg.Purge.AgeHours,
		cfg.Purge.KeepRows, cfg.Purge.RetainUnsent, nil, tel,
		log.With("component", "purge"))

	var verify api.VerifyFunc
	if mgmt != nil {
		verify = func(ctx context.Context, token string) error {
			_, err := mgmt.VerifyToken(ctx, token)
			return err
		}
	}
	server := api.NewServer(fmt.Sprintf("%s:%d", cfg.Service.Address, cfg.Service.Port),
		scheduler, store, verify, log.With("component", "api"))

	g, gctx := errgroup.WithContext(ctx)
	// The stats worker outlives the flush worker so the final drain's
	// counters still land: its context cancels only after Run returns.
	statsCtx, statsCancel := context.WithCancel(context.Background())
	g.Go(func() error {
		defer statsCancel()
		return scheduler.Run(gctx)
	})
	g.Go(func() error { return collector.Run(statsCtx) })
	g.Go(func() error { return purger.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	log.Info("service started", "name", cfg.Service.Name)
	err = g.Wait()
	log.Info("service stopped")
	return err
}

func filterSpecs(filters []config.Filter) []pipeline.FilterSpec {
	specs := make([]pipeline.FilterSpec, 0, len(filters))
	for _, f := range filters {
		specs = append(specs, pipeline.FilterSpec{
			Name:   f.Name,
			Plugin: f.Plugin,
			Config: f.Config,
		})
	}
	return specs
}
