package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/internal/config"
	"github.com/fortressi/saga/internal/lock"
	"github.com/fortressi/saga/internal/logger"
	"github.com/fortressi/saga/internal/metrics"
	"github.com/fortressi/saga/internal/sagas"
	"github.com/fortressi/saga/internal/shop"
	"github.com/fortressi/saga/pglog"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const serviceName = "sagad"

// deps is the wired service graph.
type deps struct {
	cfg      *config.Config
	logger   zerolog.Logger
	log      saga.Log
	store    shop.Store
	registry *saga.Registry
	recovery *saga.Recovery
	service  *sagas.Service
	metrics  *metrics.Metrics
	locker   lock.Locker
	ping     func(ctx context.Context) error
	closers  []func() error
}

func (d *deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

// wire opens the configured stores and builds everything on top of them.
// Logs go to w.
func wire(ctx context.Context, cfg *config.Config, w io.Writer) (*deps, error) {
	l, err := logger.New(serviceName, cfg.Log.Level, cfg.Log.Pretty, w)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	d := &deps{
		cfg:      cfg,
		logger:   l,
		registry: saga.NewRegistry(),
		metrics:  metrics.New(),
		ping:     func(context.Context) error { return nil },
	}

	if err := d.openStores(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	if err := d.openLocker(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}

	recoveryOpts := []saga.RecoveryOption{
		saga.RecoveryLogger(d.logger),
		saga.RecoveryObserver(d.metrics),
		saga.RecoveryStaleAfter(cfg.Recovery.StaleAfter),
	}
	if cfg.Store.Driver == config.DriverFile {
		// The file driver persists only the log; shop rows live in memory.
		recoveryOpts = append(recoveryOpts, saga.RecoveryEpoch(time.Now()))
	}
	d.recovery = saga.NewRecovery(d.log, d.registry, recoveryOpts...)
	d.service, err = sagas.New(d.store, d.log, d.registry,
		sagas.WithLogger(d.logger),
		sagas.WithObserver(d.metrics),
		sagas.WithMaxQuantity(cfg.Cart.MaxQuantity),
	)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *deps) openStores(ctx context.Context) error {
	switch d.cfg.Store.Driver {
	case config.DriverMemory:
		d.log = saga.NewMemoryLog()
		d.store = shop.NewMemoryStore()
	case config.DriverFile:
		fl, err := saga.OpenFileLog(d.cfg.Store.FileDir)
		if err != nil {
			return err
		}
		d.log = fl
		d.store = shop.NewMemoryStore()
	case config.DriverPostgres:
		pg, err := pglog.Open(ctx, d.cfg.Store.DSN, d.cfg.Store.MaxOpenConns)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		shopStore := shop.NewPostgresStore(pg.DB())
		if err := shopStore.Migrate(ctx); err != nil {
			return err
		}
		d.log = pg
		d.store = shopStore
		d.ping = pg.DB().PingContext
	default:
		return fmt.Errorf("unknown store driver %q", d.cfg.Store.Driver)
	}
	d.logger.Info().Str("driver", d.cfg.Store.Driver).Msg("saga log opened")
	return nil
}

// openLocker uses Redis when configured and an in-process lock otherwise.
func (d *deps) openLocker(ctx context.Context) error {
	if d.cfg.Redis.Addr == "" {
		d.locker = lock.NewLocal(d.cfg.Redis.LockTTL)
		return nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     d.cfg.Redis.Addr,
		Password: d.cfg.Redis.Password,
		DB:       d.cfg.Redis.DB,
	})
	d.closers = append(d.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis %s: %w", d.cfg.Redis.Addr, err)
	}
	d.locker = lock.NewRedis(client, d.cfg.Redis.LockTTL)
	return nil
}
