package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/fieldcrew/rigshift/internal/camera"
	"github.com/fieldcrew/rigshift/internal/catalog"
	"github.com/fieldcrew/rigshift/internal/config"
	"github.com/fieldcrew/rigshift/internal/gates"
	"github.com/fieldcrew/rigshift/internal/guard"
	"github.com/fieldcrew/rigshift/internal/hashchain"
	"github.com/fieldcrew/rigshift/internal/ipc"
	"github.com/fieldcrew/rigshift/internal/ledger"
	"github.com/fieldcrew/rigshift/internal/logging"
	"github.com/fieldcrew/rigshift/internal/metrics"
	"github.com/fieldcrew/rigshift/internal/store"
	"github.com/fieldcrew/rigshift/internal/syncq"
	"github.com/fieldcrew/rigshift/internal/workflow"
)

// app is the fully wired device: storage, ledger, queue, gates and machine.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	db       *sql.DB
	journal  *store.Journal
	catalog  *catalog.Catalog
	registry *prometheus.Registry

	link      *syncq.Link
	ledger    *ledger.Ledger
	queue     *syncq.Queue
	warehouse *gates.Warehouse
	guard     *guard.SafetyGuard
	machine   *workflow.Machine
	camera    *camera.SlotCapturer
}

func loadConfig(path string, logOut io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogPretty, logOut), nil
}

// newApp opens the database, wires every component and restores the
// persisted ledger, sync queue and shift state in that order. A broken
// chain aborts startup.
func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	hasher, err := hashchain.ByName(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a := &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		journal:   store.NewJournal(db, cfg.DeviceID),
		catalog:   cat,
		registry:  reg,
		link:      syncq.NewLink(!cfg.StartOffline),
		warehouse: gates.NewWarehouse(cat.WarehouseItems),
		camera:    camera.NewSlotCapturer(&camera.MockCapturer{}),
	}

	a.ledger = ledger.New(ledger.Options{
		DeviceID: cfg.DeviceID,
		Hasher:   hasher,
		Link:     a.link,
		Journal:  a.journal,
		Metrics:  m,
		Logger:   log,
	})

	var sender syncq.Sender
	if cfg.SyncEndpoint != "" {
		sender = syncq.NewHTTPSender(cfg.SyncEndpoint, cfg.SyncRatePerSec)
	}
	a.queue = syncq.NewQueue(syncq.Options{
		Events:      a.ledger,
		Link:        a.link,
		Sender:      sender,
		Journal:     a.journal,
		Metrics:     m,
		Logger:      log,
		MaxAttempts: cfg.MaxSyncAttempts,
	})

	a.guard = guard.NewSafetyGuard(guard.GuardConfig{
		LockAfterViolations: cfg.LockAfterViolations,
		Window:              cfg.ViolationWindow(),
		RateLimitPerMinute:  cfg.AuthRatePerMinute,
	}, log)

	policy := workflow.LockSurvivesReset
	if cfg.ResetClearsLock {
		policy = workflow.ResetClearsLock
	}
	a.machine = workflow.NewMachine(workflow.Options{
		DeviceID:    cfg.DeviceID,
		Catalog:     cat,
		Ledger:      a.ledger,
		Warehouse:   a.warehouse,
		Queue:       a.queue,
		Journal:     a.journal,
		Incidents:   a.guard,
		Metrics:     m,
		Logger:      log,
		ResetPolicy: policy,
	})

	if err := a.restore(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) restore(ctx context.Context) error {
	saved, err := a.journal.Load(ctx)
	if err != nil {
		return err
	}
	if err := a.ledger.Restore(saved.Events); err != nil {
		a.log.Error().Err(err).Msg("persisted ledger failed verification")
		return err
	}
	a.queue.Restore(saved.Entries)
	if saved.Shift != nil {
		a.machine.Restore(*saved.Shift)
	}
	a.log.Info().
		Int("events", len(saved.Events)).
		Int("queued", len(saved.Entries)).
		Str("code", a.ledger.VerificationCode()).
		Msg("state restored")
	return nil
}

func (a *app) handler() *ipc.Handler {
	return &ipc.Handler{
		Machine:   a.machine,
		Ledger:    a.ledger,
		Queue:     a.queue,
		Link:      a.link,
		Warehouse: a.warehouse,
		Catalog:   a.catalog,
		Camera:    a.camera,
		Guard:     a.guard,
		History:   a.journal,
		Logger:    a.log,
		DeviceID:  a.cfg.DeviceID,
		Version:   version,
	}
}

func (a *app) Close() error {
	return a.db.Close()
}
