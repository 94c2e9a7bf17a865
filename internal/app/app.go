// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package app builds the single long-lived sync service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mobiletoly/go-boatsync/config"
	"github.com/mobiletoly/go-boatsync/conflict"
	"github.com/mobiletoly/go-boatsync/connectivity"
	"github.com/mobiletoly/go-boatsync/handler"
	"github.com/mobiletoly/go-boatsync/internal/auth"
	"github.com/mobiletoly/go-boatsync/localstore"
	"github.com/mobiletoly/go-boatsync/offline"
	"github.com/mobiletoly/go-boatsync/orchestrator"
	"github.com/mobiletoly/go-boatsync/partition"
	"github.com/mobiletoly/go-boatsync/remote"
	"github.com/mobiletoly/go-boatsync/scheduler"
	"github.com/mobiletoly/go-boatsync/status"
)

// App holds every component of the sync engine
type App struct {
	Config       *config.Config
	Store        *localstore.Store
	Queue        *offline.Queue
	Credentials  *auth.CredentialStore
	Remote       *remote.Client
	Push         *remote.PushStream
	Audit        *conflict.AuditLog
	Network      *connectivity.Monitor
	Handlers     *handler.Set
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Partitioner  *partition.Partitioner
	Logger       *slog.Logger

	auditFile *lumberjack.Logger
	probe     connectivity.Prober
}

// New opens the local store and wires the components. The device starts
// offline until the first connectivity probe succeeds.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := localstore.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	a := &App{Config: cfg, Store: store, Logger: logger}
	if err := a.wire(); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.Config
	logger := a.Logger

	queue, err := offline.NewQueue(a.Store.DB, &offline.Config{
		MaxAttempts: cfg.Sync.MaxAttempts,
		Retention:   cfg.Sync.Retention,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open offline queue: %w", err)
	}
	a.Queue = queue
	a.Credentials = auth.NewCredentialStore(a.Store)

	serverURL := cfg.ServerURL
	if creds, err := a.Credentials.Load(context.Background()); err == nil && creds.ServerURL != "" {
		serverURL = creds.ServerURL
	}
	a.Remote = remote.NewClient(serverURL, a.Credentials.Token, logger)
	a.Push = remote.NewPushStream(serverURL, a.Credentials.Token, &remote.PushConfig{
		InitialBackoff: cfg.Sync.PushBackoffInitial,
		MaxBackoff:     cfg.Sync.PushBackoffMax,
	}, logger)

	if cfg.Audit.Path != "" {
		a.auditFile = &lumberjack.Logger{
			Filename:   cfg.Audit.Path,
			MaxSize:    cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAge:     cfg.Audit.MaxAgeDays,
		}
		a.Audit = conflict.NewAuditLog(a.auditFile, conflict.NotifierFunc(func(_ context.Context, r conflict.Record) {
			logger.Warn("Sync conflict resolved", "conflict", r.String())
		}))
	} else {
		a.Audit = conflict.NewAuditLog(nil, nil)
	}

	a.Network = connectivity.NewMonitor(connectivity.State{Unmetered: cfg.Sync.Unmetered}, logger)
	a.probe = connectivity.HTTPProber(&http.Client{Timeout: 10 * time.Second}, serverURL+"/health")

	a.Handlers = handler.NewSet(&handler.Deps{
		Store:    a.Store,
		Queue:    a.Queue,
		Remote:   a.Remote,
		Detector: conflict.NewDetector(cfg.Sync.ConflictTolerance),
		Audit:    a.Audit,
		Online:   a.Network.Online,
		Logger:   logger,
	})

	a.Orchestrator, err = orchestrator.New(orchestrator.Options{
		Store:    a.Store,
		Queue:    a.Queue,
		Handlers: a.Handlers,
		Network:  a.Network,
		Config: &orchestrator.Config{
			GeneralInterval:     cfg.Sync.GeneralInterval,
			PhotoInterval:       cfg.Sync.PhotoInterval,
			MaintenanceInterval: cfg.Sync.MaintenanceInterval,
			CleanupInterval:     cfg.Sync.CleanupInterval,
			Status: &status.Config{
				FastRetry:       cfg.Sync.FastRetry,
				FastRetryWindow: cfg.Sync.FastRetryWindow,
				SlowRetry:       cfg.Sync.SlowRetry,
			},
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	a.Scheduler = scheduler.New(a.Network, scheduler.DefaultConfig(), logger)
	for _, job := range a.Orchestrator.Jobs() {
		if err := a.Scheduler.Register(job); err != nil {
			return err
		}
	}

	a.Partitioner = partition.New(a.Store, a.Queue, a.Credentials, a.Orchestrator, logger)
	return nil
}

// CheckConnectivity probes the server once and updates the online flag
func (a *App) CheckConnectivity(ctx context.Context) bool {
	err := a.probe(ctx)
	if err != nil {
		a.Logger.Debug("Server not reachable", "url", a.Remote.BaseURL, "error", err)
	}
	a.Network.SetOnline(err == nil)
	return err == nil
}

// Connect stores credentials for a server and returns the user they belong to
func (a *App) Connect(ctx context.Context, serverURL, token string) (string, error) {
	userID, err := auth.UserIDFromToken(token)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if serverURL == "" {
		serverURL = a.Config.ServerURL
	}
	if err := a.Credentials.Save(ctx, auth.Credentials{ServerURL: serverURL, Token: token}); err != nil {
		return "", fmt.Errorf("failed to save credentials: %w", err)
	}
	if err := a.Store.SetSetting(ctx, partition.AppModeKey, partition.AppModeConnected); err != nil {
		return "", err
	}
	if serverURL != a.Remote.BaseURL {
		a.Logger.Info("Server changed, takes effect on next start", "server_url", serverURL)
	}
	return userID, nil
}

// Run keeps the engine alive until ctx is done: connectivity probing, the
// trigger loop with server push, and the periodic jobs.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.Credentials.Load(ctx); errors.Is(err, auth.ErrNoCredentials) {
		return fmt.Errorf("not connected to a server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Network.Watch(gctx, a.Config.Sync.ProbeInterval, a.probe)
	})
	g.Go(func() error {
		return a.Orchestrator.Run(gctx, a.Push)
	})
	g.Go(func() error {
		return a.Scheduler.Run(gctx)
	})

	a.Logger.Info("Sync engine running", "server_url", a.Remote.BaseURL)
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close releases the local store and the audit file
func (a *App) Close() error {
	var errs []error
	if a.auditFile != nil {
		errs = append(errs, a.auditFile.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
