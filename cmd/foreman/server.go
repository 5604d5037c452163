package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgeops/foreman/pkg/background"
	"github.com/forgeops/foreman/pkg/config"
	"github.com/forgeops/foreman/pkg/dispatch"
	"github.com/forgeops/foreman/pkg/events"
	"github.com/forgeops/foreman/pkg/lease"
	"github.com/forgeops/foreman/pkg/listener"
	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/metrics"
	"github.com/forgeops/foreman/pkg/recovery"
	"github.com/forgeops/foreman/pkg/runtime"
	"github.com/forgeops/foreman/pkg/runtimes"
	"github.com/forgeops/foreman/pkg/scheduler"
	"github.com/forgeops/foreman/pkg/security"
	"github.com/forgeops/foreman/pkg/settings"
	"github.com/forgeops/foreman/pkg/storage"
	"github.com/forgeops/foreman/pkg/types"
	"github.com/forgeops/foreman/pkg/workerapi"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Foreman control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the yaml config file")
}

// heartbeatSink adapts the pool manager to the RPC heartbeat surface
type heartbeatSink struct {
	pool *runtimes.Manager
}

func (h *heartbeatSink) ReportHeartbeat(ctx context.Context, hb *workerapi.Heartbeat) error {
	return h.pool.ReportHeartbeat(ctx, hb.WorkerID, hb.ActiveSlots, hb.MaxSlots)
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := log.WithComponent("server")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Seed the settings document on first start
	if _, err := store.GetSettings(ctx); errors.Is(err, storage.ErrNotFound) {
		if err := store.SaveSettings(ctx, cfg.SeedSettings()); err != nil {
			return fmt.Errorf("failed to seed settings: %w", err)
		}
	}
	provider := settings.NewProvider(store)

	secrets, err := security.NewSecretsManagerFromPassword(cfg.SecretsPassphrase)
	if err != nil {
		return fmt.Errorf("failed to initialize secrets: %w", err)
	}

	metrics.Register()
	recorder := metrics.PromRecorder{}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	client, err := workerapi.Dial(cfg.WorkerEndpoint)
	if err != nil {
		return err
	}
	defer client.Close()

	provisioner, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket)
	if err != nil {
		return fmt.Errorf("failed to connect container runtime: %w", err)
	}
	defer provisioner.Close()

	pool := runtimes.NewManager(runtimes.Config{
		Store:       store,
		Provisioner: provisioner,
		Settings:    provider,
		Recorder:    recorder,
		ImageRef:    cfg.RuntimeImage,
	})

	// Image bootstrap failure is fatal: nothing can run without the
	// runtime image.
	work := background.NewCoordinator(0, recorder)
	work.Start()
	defer work.Stop()

	relay := background.NewRelay(work, broker)
	relay.Start()
	defer relay.Stop()

	imageReady := make(chan error, 1)
	if _, err := work.Enqueue(types.WorkKindImageResolution, "bootstrap-image", func(ctx context.Context, progress background.Progress) error {
		progress(-1, "Pulling runtime image")
		err := pool.EnsureImageAvailable(ctx)
		imageReady <- err
		return err
	}, background.Options{DedupeByOperationKey: true, Critical: true}); err != nil {
		return err
	}
	if err := <-imageReady; err != nil {
		return fmt.Errorf("image bootstrap failed: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Store:    store,
		Settings: provider,
		Secrets:  secrets,
		Client:   client,
		Pool:     pool,
		Broker:   broker,
		Recorder: recorder,
	})

	recoverer := recovery.NewService(recovery.Config{
		Store:    store,
		Client:   client,
		Settings: provider,
		Broker:   broker,
		Recorder: recorder,
	})
	if err := recoverer.RunStartupRecovery(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	leases := lease.NewCoordinator(store)

	cron := scheduler.NewCronScheduler(store, provider, dispatcher, leases)
	automations := scheduler.NewAutomationScheduler(store, provider, dispatcher)
	eventListener := listener.NewListener(listener.Config{
		Store:      store,
		Client:     client,
		Dispatcher: dispatcher,
		Broker:     broker,
		Recorder:   recorder,
	})

	pool.Start(ctx)
	defer pool.Stop()
	cron.Start(ctx)
	defer cron.Stop()
	automations.Start(ctx)
	defer automations.Stop()
	eventListener.Start(ctx)
	defer eventListener.Stop()
	recoverer.Start(ctx)
	defer recoverer.Stop()

	// Control-plane RPC surface: worker heartbeats
	grpcServer := grpc.NewServer()
	workerapi.RegisterControlPlaneServer(grpcServer, &heartbeatSink{pool: pool})
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()
	defer grpcServer.GracefulStop()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	defer metricsServer.Close()

	logger.Info().
		Str("listen", cfg.ListenAddr).
		Str("metrics", cfg.MetricsAddr).
		Str("workers", cfg.WorkerEndpoint).
		Msg("Foreman control plane started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-ctx.Done():
	}
	cancel()
	return nil
}
