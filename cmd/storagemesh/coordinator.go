package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/raulk/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/blobstore"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/config"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/coordinator"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/events"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/health"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/ledger"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/liveness"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/metastore"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/placement"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/registry"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/rpc"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
)

func coordinatorCmd() *cobra.Command {
	var (
		dataDir        string
		metricsAddress string
		withLiveness   bool
	)

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run a coordinator",
		Long: `Start a coordinator serving the gRPC API, the health and metrics endpoint
and, when enabled, the LAN liveness listener.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Coordinator.DataDir = dataDir
			}
			if cmd.Flags().Changed("metrics-address") {
				cfg.Coordinator.MetricsAddress = metricsAddress
			}
			if cmd.Flags().Changed("liveness") {
				cfg.Liveness.Enabled = withLiveness
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runCoordinator(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for LevelDB stores (empty keeps state in memory)")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "health and metrics listening address (empty disables)")
	cmd.Flags().BoolVar(&withLiveness, "liveness", false, "listen for provider liveness beacons")

	return cmd
}

func openStores(dataDir string, logger *zap.Logger) (*metastore.Store, *blobstore.DatastoreStore, error) {
	if dataDir == "" {
		logger.Warn("No data directory configured, the event log and blobs are kept in memory")
		return metastore.NewMemory(logger.Named("metastore")), blobstore.NewMemory(logger.Named("blobstore")), nil
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	meta, err := metastore.OpenLevelDB(filepath.Join(dataDir, "meta"), logger.Named("metastore"))
	if err != nil {
		return nil, nil, err
	}
	blobs, err := blobstore.OpenLevelDB(filepath.Join(dataDir, "blobs"), logger.Named("blobstore"))
	if err != nil {
		meta.Close()
		return nil, nil, err
	}
	return meta, blobs, nil
}

func seedEscrow(escrow *ledger.MemoryEscrow, accounts map[string]string) error {
	for addr, balance := range accounts {
		amount, err := types.ParseTokenAmount(balance)
		if err != nil {
			return fmt.Errorf("account %s: %w", addr, err)
		}
		if err := escrow.Credit(types.Address(addr), amount); err != nil {
			return fmt.Errorf("account %s: %w", addr, err)
		}
	}
	return nil
}

func runCoordinator(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	clk := clock.New()

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	meta, blobs, err := openStores(cfg.Coordinator.DataDir, logger)
	if err != nil {
		return err
	}

	seq, err := meta.LastSeq(ctx)
	if err != nil {
		meta.Close()
		blobs.Close()
		return fmt.Errorf("failed to read event log: %w", err)
	}
	bus := events.NewBus(clk, logger.Named("events"), meta)
	bus.SetSequence(seq)

	escrow := ledger.NewMemoryEscrow(types.Address(cfg.Ledger.Treasury))
	if err := seedEscrow(escrow, cfg.Ledger.Accounts); err != nil {
		meta.Close()
		blobs.Close()
		return err
	}

	reg := registry.New(cfg.RegistryConfig(), logger.Named("registry"), registry.WithClock(clk))
	aggregator := health.NewAggregator(cfg.HealthConfig(), reg, health.NewMetrics(metrics), clk, logger.Named("health"))
	blobs.SetObserver(aggregator)

	coord, err := coordinator.New(cfg.CoordinatorConfig(), coordinator.Services{
		Registry:  reg,
		Scheduler: placement.NewScheduler(reg, placement.NewMetrics(metrics), logger.Named("placement")),
		Ledger: ledger.New(cfg.LedgerConfig(), reg, escrow, logger.Named("ledger"),
			ledger.WithClock(clk), ledger.WithEvents(bus)),
		Blobs:  blobs,
		Health: aggregator,
		Bus:    bus,
		Meta:   meta,
		Clock:  clk,
	}, logger.Named("coordinator"))
	if err != nil {
		meta.Close()
		blobs.Close()
		reg.Close()
		return err
	}
	defer func() {
		if err := coord.Close(); err != nil {
			logger.Warn("Failed to close coordinator", zap.Error(err))
		}
	}()

	// Providers, deals and files are not restored across restarts.
	if err := coord.Recover(ctx); err != nil {
		logger.Warn("Recovery incomplete", zap.Error(err))
	}

	server := rpc.NewServer(coord, logger.Named("rpc"))

	logger.Info("Starting coordinator",
		zap.String("address", cfg.Coordinator.Address),
		zap.String("data_dir", cfg.Coordinator.DataDir),
		zap.Uint64("event_seq", seq),
		zap.Int("redundancy", cfg.Placement.Redundancy),
		zap.Stringer("chunk_size", cfg.Placement.ChunkSize))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error { return server.ListenAndServe(ctx, cfg.Coordinator.Address) })

	if cfg.Coordinator.MetricsAddress != "" {
		endpoint := health.NewEndpoint(aggregator, metrics, logger.Named("http"))
		g.Go(func() error { return endpoint.Serve(ctx, cfg.Coordinator.MetricsAddress) })
	}

	if cfg.Liveness.Enabled {
		feed := liveness.NewBroadcastFeed(cfg.BroadcastConfig(""), clk, logger.Named("liveness"))
		detector := liveness.NewDetector(cfg.DetectorConfig(), reg, aggregator, clk, logger.Named("liveness"))
		g.Go(func() error { return feed.Run(ctx) })
		g.Go(func() error { return detector.Run(ctx, feed) })
	}

	err = g.Wait()
	logger.Info("Coordinator stopped")
	return err
}
