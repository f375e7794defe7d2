package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parley-dev/parley/internal/artifact"
	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/internal/event"
	"github.com/parley-dev/parley/internal/logging"
	"github.com/parley-dev/parley/internal/mount"
	"github.com/parley-dev/parley/internal/provider"
	"github.com/parley-dev/parley/internal/scheduler"
	"github.com/parley-dev/parley/internal/store"
)

// engine bundles the wired components every command needs.
type engine struct {
	cfg   *config.Config
	log   *logging.Logger
	store store.Store
	bus   *event.Bus
	sched *scheduler.Scheduler
}

// openEngine loads config and wires logger, store, provider, and scheduler.
// Callers must Close.
func openEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	dataDir := cfg.Paths.ResolveDataDir(cwd)
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "artifacts"), filepath.Join(dataDir, "mounts")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	log := logging.NopLogger()
	if cfg.Logging.Enabled {
		log, err = logging.NewLogger(dataDir, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to open log: %w", err)
		}
	}

	var st store.Store
	switch cfg.Storage.Driver {
	case "memory":
		st = store.NewMemoryStore()
	default:
		dsn := cfg.Storage.DSN
		if dsn == "" {
			dsn = filepath.Join(dataDir, "parley.db")
		}
		st, err = store.NewSQLiteStore(dsn)
		if err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	prov, err := provider.NewFromConfig(cfg, log)
	if err != nil {
		_ = st.Close()
		_ = log.Close()
		return nil, err
	}

	artifacts, err := artifact.NewDirStore(filepath.Join(dataDir, "artifacts"))
	if err != nil {
		_ = st.Close()
		_ = log.Close()
		return nil, err
	}

	bus := event.NewBus()
	busLog := log.WithComponent("events")
	bus.SubscribeAll(func(ev event.Event) {
		busLog.Debug("event", "type", ev.EventType())
	})
	sched := scheduler.New(st, prov,
		mount.NewDirResolver(filepath.Join(dataDir, "mounts")),
		artifacts, bus, log,
		scheduler.Options{
			ContextWindowSize: cfg.Scheduler.ContextWindowSize,
			MaxIterations:     cfg.Scheduler.MaxIterations,
		})

	return &engine{cfg: cfg, log: log, store: st, bus: bus, sched: sched}, nil
}

func (e *engine) Close() {
	_ = e.store.Close()
	_ = e.log.Close()
}

// printProgress subscribes a human-readable progress line for the main
// lifecycle events.
func (e *engine) printProgress() {
	e.bus.Subscribe("turn.started", func(ev event.Event) {
		if t, ok := ev.(event.TurnStartedEvent); ok {
			fmt.Printf("turn %d: %s (attempt %d)\n", t.Sequence, t.AgentID, t.Attempt)
		}
	})
	e.bus.Subscribe("turn.completed", func(ev event.Event) {
		if t, ok := ev.(event.TurnCompletedEvent); ok {
			switch t.Status {
			case "blocked":
				fmt.Printf("turn %d: BLOCKED %s\n", t.Sequence, t.Error)
			case "skipped":
				fmt.Printf("turn %d: skipped\n", t.Sequence)
			default:
				fmt.Printf("turn %d: %s\n", t.Sequence, t.MessageType)
			}
		}
	})
	e.bus.Subscribe("turn.requeued", func(ev event.Event) {
		if t, ok := ev.(event.TurnRequeuedEvent); ok {
			fmt.Printf("turn %d: requeued (%d retries) %s\n", t.Sequence, t.Retries, t.Reason)
		}
	})
	e.bus.Subscribe("vote.closed", func(ev event.Event) {
		if v, ok := ev.(event.VoteClosedEvent); ok {
			forced := ""
			if v.Forced {
				forced = " (forced)"
			}
			fmt.Printf("vote %s: %s, winner %q%s\n", v.VoteID, v.Outcome, v.Winner, forced)
		}
	})
	e.bus.Subscribe("run.finished", func(ev event.Event) {
		if r, ok := ev.(event.RunFinishedEvent); ok {
			fmt.Printf("run finished: %s (%s)\n", r.Status, r.Reason)
		}
	})
}
