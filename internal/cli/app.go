package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-snapshot-mssql/internal/config"
	"github.com/katasec/dstream-snapshot-mssql/internal/encoding"
	"github.com/katasec/dstream-snapshot-mssql/internal/engine"
	"github.com/katasec/dstream-snapshot-mssql/internal/locking"
	"github.com/katasec/dstream-snapshot-mssql/internal/sink"
	"github.com/katasec/dstream-snapshot-mssql/internal/source/sqlserver"
	"github.com/katasec/dstream-snapshot-mssql/internal/watermark"
	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// newConnector is replaced in tests
var newConnector = func(cfg *config.Config, logger hclog.Logger) snapshot.Connector {
	return sqlserver.NewConnector(cfg.Source.DSN(), cfg.Source.Schema, logger)
}

// runner runs one sync pass
type runner interface {
	RunOnce(ctx context.Context) (*snapshot.RunResult, error)
}

// App holds the components built from a configuration
type App struct {
	cfg          *config.Config
	orchestrator *engine.Orchestrator
	sink         sink.Sink
	store        watermark.Store
}

// NewApp wires sink, watermark store, locker and source from cfg
func NewApp(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*App, error) {
	codec, err := encoding.ForFormat(cfg.Sink.Format)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Sink.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid sink timezone: %w", err)
	}

	s, err := sink.New(ctx, cfg.Sink, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}
	store, err := watermark.New(ctx, cfg, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create watermark store: %w", err)
	}

	lockerFactory := locking.NewLockerFactory(cfg.Lock, cfg.Source.DSN(), logger)
	locker, err := lockerFactory.CreateLocker(ctx)
	if err != nil {
		s.Close()
		store.Close()
		return nil, fmt.Errorf("failed to create locker: %w", err)
	}

	orchestrator := engine.NewOrchestrator(engine.Dependencies{
		Connector: newConnector(cfg, logger),
		Sink:      s,
		Store:     store,
		Codec:     codec,
		Locker:    locker,
	}, engine.Options{
		Concurrency: cfg.Concurrency,
		Prefix:      cfg.Sink.Prefix,
		Location:    loc,
		LockName:    lockerFactory.GetLockName,
	}, logger)

	return &App{
		cfg:          cfg,
		orchestrator: orchestrator,
		sink:         s,
		store:        store,
	}, nil
}

// RunOnce syncs every configured table once
func (a *App) RunOnce(ctx context.Context) (*snapshot.RunResult, error) {
	return a.orchestrator.RunAll(ctx, a.cfg.Tables)
}

// Close releases sink and store clients
func (a *App) Close() error {
	return errors.Join(a.sink.Close(), a.store.Close())
}
