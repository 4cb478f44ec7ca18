package app

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
	"github.com/spf13/viper"

	"github.com/flowtail/agent/internal/agent"
	"github.com/flowtail/agent/internal/alarm"
	"github.com/flowtail/agent/internal/config"
	"github.com/flowtail/agent/internal/coordinator"
	"github.com/flowtail/agent/internal/credentials"
	"github.com/flowtail/agent/internal/logger"
	"github.com/flowtail/agent/internal/pipeline"
	"github.com/flowtail/agent/internal/remotesync"
	"github.com/flowtail/agent/internal/tags"
	"github.com/flowtail/agent/internal/telemetry"
	"github.com/flowtail/agent/internal/transport"
	"github.com/flowtail/agent/internal/versions"
	"github.com/flowtail/agent/internal/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent",
	Long: `Run the agent: load persisted collection configs, start the sync
loop against the config server if one is configured, and dispatch
filesystem events to the matching configs.`,
	RunE: runAgent,
}

const telemetryShutdownTimeout = 5 * time.Second

func init() {
	runCmd.Flags().String("config", "", "Path to agent configuration file (YAML, required)")
	if err := viper.BindPFlag("config", runCmd.Flags().Lookup("config")); err != nil {
		logger.Fatalf("Failed to bind config flag: %v", err)
	}
	if err := runCmd.MarkFlagRequired("config"); err != nil {
		logger.Fatalf("Failed to mark config flag as required: %v", err)
	}
}

func runAgent(_ *cobra.Command, _ []string) error {
	if err := logger.Initialize(viper.GetBool("debug")); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(config.WithConfigPath(viper.GetString("config")))
	if err != nil {
		return err
	}

	agentID := cfg.AgentID
	if agentID == "" {
		agentID, err = config.LoadOrCreateAgentID(cfg.ConfigDir)
		if err != nil {
			return err
		}
	}
	info := versions.GetVersionInfo()
	logger.Infow("starting flowtail agent", "agentId", agentID, "version", info.Version)

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry, info.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("telemetry shutdown failed", "error", err)
		}
	}()

	alarms, err := alarm.NewSink(provider)
	if err != nil {
		return fmt.Errorf("failed to initialize alarms: %w", err)
	}
	syncMetrics, err := telemetry.NewSyncMetrics(provider)
	if err != nil {
		return fmt.Errorf("failed to initialize sync metrics: %w", err)
	}
	regMetrics, err := telemetry.NewRegistryMetrics(provider)
	if err != nil {
		return fmt.Errorf("failed to initialize registry metrics: %w", err)
	}

	registry := pipeline.NewRegistry()
	matcher := pipeline.NewMatcher(registry, alarms)
	coord := coordinator.New()

	agentOpts := []agent.Option{agent.WithRegistryMetrics(regMetrics)}

	var watch *watcher.Watcher
	if cfg.Watch != nil && cfg.Watch.Enabled {
		watch, err = watcher.New()
		if err != nil {
			return fmt.Errorf("failed to initialize filesystem watcher: %w", err)
		}
		agentOpts = append(agentOpts, agent.WithWatcher(watch))
	}

	consumer := agent.New(registry, matcher, coord, alarms, agentOpts...)

	// The store holds the persisted configs. If the directory cannot be
	// prepared, remote sync is disabled rather than failing the whole
	// agent: local collection keeps running with whatever it has.
	store, err := remotesync.NewStore(cfg.ConfigDir)
	if err != nil {
		alarms.Raise(ctx, alarm.FilesystemFailure, err.Error())
		logger.Errorw("config store unavailable, remote sync disabled", "error", err)
	} else {
		defer func() { _ = store.Close() }()
		stored, err := store.LoadAll()
		if err != nil {
			return fmt.Errorf("failed to load persisted configs: %w", err)
		}
		consumer.Seed(ctx, stored)
	}

	var reloader *tags.Reloader
	if cfg.Tags != nil {
		reloader = tags.NewReloader(cfg.Tags.Path, tags.WithInterval(cfg.Tags.GetInterval()))
	}

	var syncer *remotesync.Syncer
	if cfg.Server != nil && store != nil {
		syncer, err = buildSyncer(cfg, agentID, store, coord, registry, alarms, syncMetrics, reloader)
		if err != nil {
			return err
		}
	}

	if watch != nil {
		go func() {
			if err := watch.Start(ctx); err != nil {
				logger.Errorw("filesystem watcher stopped", "error", err)
			}
		}()
	}
	if syncer != nil {
		go func() {
			if err := syncer.Start(ctx); err != nil {
				logger.Errorw("config sync stopped", "error", err)
			}
		}()
	} else if reloader != nil {
		// Without a sync loop the tag file still needs its refresh
		// schedule.
		go runTagRefresh(ctx, reloader)
	}
	go serveTelemetry(ctx, cfg.Telemetry, provider)

	err = consumer.Run(ctx)

	if syncer != nil {
		syncer.Stop()
	}
	logger.Infof("flowtail agent stopped")
	return err
}

func buildSyncer(
	cfg *config.Config,
	agentID string,
	store *remotesync.Store,
	coord *coordinator.Coordinator,
	registry *pipeline.Registry,
	alarms *alarm.Sink,
	metrics *telemetry.SyncMetrics,
	reloader *tags.Reloader,
) (*remotesync.Syncer, error) {
	var creds *credentials.Manager
	if cfg.Credentials != nil {
		var credOpts []credentials.Option
		if d := cfg.Credentials.GetMinRefreshInterval(); d > 0 {
			credOpts = append(credOpts, credentials.WithMinRefreshInterval(d))
		}
		creds = credentials.NewManager(credentials.NewFileRefresher(cfg.Credentials.File), credOpts...)
	}

	hostname, err := os.Hostname()
	if err != nil {
		logger.Warnw("failed to resolve hostname", "error", err)
		hostname = "unknown"
	}

	client, err := remotesync.NewServiceClient(cfg.Server.Provider, remotesync.ClientOptions{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		TLS:          cfg.Server.TLS,
		AgentID:      agentID,
		AgentVersion: versions.GetVersionInfo().Version,
		Hostname:     hostname,
		AccountID:    cfg.Server.AccountID,
		Timeout:      cfg.Server.GetRequestTimeout(),
	}, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync client: %w", err)
	}

	opts := []remotesync.Option{
		remotesync.WithHeartbeatInterval(cfg.Server.GetHeartbeatInterval()),
		remotesync.WithMetrics(metrics),
	}
	if reloader != nil {
		opts = append(opts, remotesync.WithAuxRefresher(reloader))
	}
	return remotesync.NewSyncer(client, transport.NewHTTPClient(), store, coord, registry, alarms, opts...), nil
}

func runTagRefresh(ctx context.Context, reloader *tags.Reloader) {
	if err := reloader.Refresh(ctx); err != nil {
		logger.Warnw("tag refresh failed", "error", err)
	}
	ticker := time.NewTicker(reloader.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reloader.Refresh(ctx); err != nil {
				logger.Warnw("tag refresh failed", "error", err)
			}
		}
	}
}

func serveTelemetry(ctx context.Context, cfg *telemetry.Config, provider *telemetry.Provider) {
	handler := provider.Handler()
	if handler == nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              cfg.GetAddress(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infow("serving metrics", "address", cfg.GetAddress())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorw("metrics server failed", "error", err)
	}
}
