package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fly-io/nixless-agent/internal/capinit"
	"github.com/fly-io/nixless-agent/internal/config"
	"github.com/fly-io/nixless-agent/pkg/activation"
	"github.com/fly-io/nixless-agent/pkg/cache"
	"github.com/fly-io/nixless-agent/pkg/control"
	"github.com/fly-io/nixless-agent/pkg/coordinator"
	"github.com/fly-io/nixless-agent/pkg/directive"
	"github.com/fly-io/nixless-agent/pkg/errors"
	"github.com/fly-io/nixless-agent/pkg/generations"
	"github.com/fly-io/nixless-agent/pkg/nar"
	"github.com/fly-io/nixless-agent/pkg/narinfo"
	"github.com/fly-io/nixless-agent/pkg/narinfocache"
	"github.com/fly-io/nixless-agent/pkg/store"
	"github.com/fly-io/nixless-agent/pkg/storepath"
)

// switchToConfigurationRelPath is where every system package's closure
// places its activation entry-point, per spec §4.7's
// "<system_path>/bin/switch-to-configuration".
const switchToConfigurationRelPath = "bin/switch-to-configuration"

// Extraction safety ceilings for the NAR pipeline (spec §4.4); not exposed
// as environment variables, since spec §6 names none for them.
const (
	maxNarFileSize         = 2 * 1024 * 1024 * 1024
	maxNarTotalSize        = 20 * 1024 * 1024 * 1024
	maxNarCompressionRatio = 100.0

	narinfoCacheLRUSize = 4096
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the nixless-agent daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("config load failed: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("config invalid: %w", err))
	}

	if _, err := capinit.Raise(); err != nil {
		slog.Warn("capabilities unavailable, continuing under ambient privileges", "error", err)
	}
	defer func() {
		if err := capinit.Drop(); err != nil {
			slog.Warn("dropping capabilities failed", "error", err)
		}
	}()

	if err := ensureDirectories(cfg); err != nil {
		return err
	}

	sameDevice, err := store.SameDevice(cfg.TempDownloadPath, cfg.StoreRoot)
	if err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("checking TEMP_DOWNLOAD_PATH/STORE_ROOT device: %w", err))
	}
	if !sameDevice {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("TEMP_DOWNLOAD_PATH and STORE_ROOT must live on the same filesystem so materialization can rename instead of copy"))
	}

	cachePK, err := narinfo.ParsePublicKey(cfg.CachePublicKey)
	if err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("parsing CACHE_PUBLIC_KEY: %w", err))
	}
	updatePK, err := narinfo.ParsePublicKey(cfg.UpdatePublicKey)
	if err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("parsing UPDATE_PUBLIC_KEY: %w", err))
	}
	keychain := narinfo.NewKeychain(cachePK)
	verifier := directive.New(updatePK.Key)

	catalog := storepath.New(cfg.StoreRoot)

	cacheCfg := cache.DefaultConfig(cfg.CacheURL)
	cacheCfg.ConnectTimeout = time.Duration(cfg.CacheConnectTimeoutSeconds) * time.Second
	cacheCfg.HeaderTimeout = time.Duration(cfg.CacheHeaderTimeoutSeconds) * time.Second
	cacheCfg.IdleTimeout = time.Duration(cfg.CacheIdleTimeoutSeconds) * time.Second

	cacheClient, err := cache.New(ctx, cacheCfg, keychain)
	if err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("building cache client: %w", err))
	}

	narinfos, err := narinfocache.Open(filepath.Join(cfg.StateBase, "narinfo-cache.db"), narinfoCacheLRUSize)
	if err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("opening narinfo cache: %w", err))
	}
	defer narinfos.Close()

	pipeline := nar.New(cfg.TempDownloadPath, maxNarFileSize, maxNarTotalSize, maxNarCompressionRatio)
	materializer := store.New(catalog)

	registry, err := generations.Open(cfg.StateBase, cfg.MaxSystemHistoryCount)
	if err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("opening generation registry: %w", err))
	}
	// On a fresh install generations.log does not exist yet; record a
	// tombstone covering whatever the store already contains so the first
	// Prune never treats it as collectible.
	if err := registry.BootstrapIfEmpty(cfg.StoreRoot); err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("bootstrapping generation registry: %w", err))
	}

	profiles := generations.NewProfileRepairer(
		filepath.Join(cfg.StateBase, "nix", "profiles"),
		filepath.Join(cfg.StateBase, "history"),
		cfg.StoreRoot,
	)

	activator, err := activation.New(switchToConfigurationRelPath, cfg.ActivationTrackerCommand, cfg.StateBase)
	if err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("connecting activation controller: %w", err))
	}
	defer activator.Close()

	coord, err := coordinator.New(ctx, coordinator.Config{
		Catalog:             catalog,
		CacheClient:         cacheClient,
		Narinfos:            narinfos,
		Pipeline:            pipeline,
		Materializer:        materializer,
		Registry:            registry,
		Profiles:            profiles,
		Activator:           activator,
		DownloadParallelism: cfg.DownloadParallelism,
		FSMDBPath:           filepath.Join(cfg.StateBase, "fsm", "coordinator.db"),
	})
	if err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("building coordinator: %w", err))
	}
	defer coord.Shutdown(10 * time.Second)

	// Per spec §4.7, a restart mid-activation must be reconciled before the
	// control plane accepts any new request.
	if err := coord.ReconcileOnStartup(); err != nil {
		return errors.Kinded(errors.KindInternal, fmt.Errorf("reconciling pending activation: %w", err))
	}

	server := control.New(coord, registry, verifier, control.DefaultMaxBodyBytes)
	metricsServer := control.NewMetricsServer()

	listenAddr := fmt.Sprintf(":%d", cfg.ListenPort)
	metricsAddr := fmt.Sprintf(":%d", cfg.MetricsPort)

	errCh := make(chan error, 2)
	go func() {
		if err := server.ListenAndServe(listenAddr); err != nil {
			errCh <- fmt.Errorf("control plane: %w", err)
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(metricsAddr); err != nil {
			errCh <- fmt.Errorf("metrics listener: %w", err)
		}
	}()

	slog.Info("nixless_agent_started", "listen_addr", listenAddr, "metrics_addr", metricsAddr)

	select {
	case <-ctx.Done():
		slog.Info("nixless_agent_shutdown_signal")
	case err := <-errCh:
		return errors.Kinded(errors.KindInternal, err)
	}

	return nil
}
