package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nylta/bulk-filing/checkout"
	"github.com/nylta/bulk-filing/config"
	"github.com/nylta/bulk-filing/crm"
	"github.com/nylta/bulk-filing/factory"
	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/filing/store"
	"github.com/nylta/bulk-filing/payment"
	"github.com/nylta/bulk-filing/pricing"
	"github.com/nylta/bulk-filing/store/redis"
	"github.com/nylta/bulk-filing/store/sqlite"
	"github.com/nylta/bulk-filing/submission"
)

// env holds the constructed dependencies of the service.
type env struct {
	Store    filing.TxStore
	Provider *pricing.Provider
	Recorder *submission.Recorder
	Checkout *checkout.Service

	closers []func() error
}

// Close releases everything initEnv opened, in reverse order.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

func initEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	log := zap.L()
	e := &env{}

	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	e.Store = st
	e.closers = append(e.closers, closeStore)

	e.Provider = newProvider(ctx, cfg.Pricing, log)
	e.Recorder = submission.NewRecorder(e.Provider)

	locker, closeLocker, err := newLocker(ctx, cfg.Redis)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, closeLocker)

	e.Checkout = checkout.NewService(checkout.Deps{
		Store:         e.Store,
		Payments:      newPayments(cfg.Payment, log),
		Recorder:      e.Recorder,
		CRM:           newCRM(cfg.CRM),
		Locker:        locker,
		Logger:        log.Named("checkout"),
		LockTTL:       config.Seconds(cfg.Redis.LockTTLSecs),
		ChargeTimeout: config.Seconds(cfg.Payment.TimeoutSecs),
		CRMTimeout:    config.Seconds(cfg.CRM.TimeoutSecs),
		StaleAfter:    config.Seconds(cfg.Reconcile.StaleAfterSecs),
	})

	log.Info("dependencies ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("payment", cfg.Payment.Mode),
		zap.Bool("crm", cfg.CRM.APIKey != ""),
		zap.Bool("redis_lock", cfg.Redis.Addr != ""),
		zap.String("pricing_source", e.Provider.Current().Source()))
	return e, nil
}

func openStore(sc config.StoreConfig) (filing.TxStore, func() error, error) {
	switch sc.Driver {
	case "memory":
		return store.NewTxMemory(), func() error { return nil }, nil
	case "sqlite":
		if sc.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
				return nil, nil, eris.Wrap(err, "create data directory")
			}
		}
		db, err := sqlite.New(sc.Path)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "open sqlite %s", sc.Path)
		}
		return db, db.Close, nil
	}
	return nil, nil, eris.Errorf("unknown store driver %q", sc.Driver)
}

// newProvider starts from the built-in table and, with a source URL
// configured, replaces it with the remote one. A failed first fetch keeps
// the defaults; the scheduler retries.
func newProvider(ctx context.Context, pc config.PricingConfig, log *zap.Logger) *pricing.Provider {
	opts := []pricing.ProviderOption{pricing.WithLogger(log.Named("pricing"))}
	if pc.SourceURL != "" {
		opts = append(opts,
			pricing.WithSource(factory.NewHTTPSource(pc.SourceURL, config.Seconds(pc.TimeoutSecs))),
			pricing.WithFetchTimeout(config.Seconds(pc.TimeoutSecs)))
	}
	p := pricing.NewProvider(nil, opts...)
	if pc.SourceURL != "" {
		_, _ = p.Reload(ctx)
	}
	return p
}

func newPayments(pc config.PaymentConfig, log *zap.Logger) payment.Authorizer {
	if pc.Mode == "http" {
		return payment.NewHTTPClient(pc.BaseURL, pc.APIKey,
			payment.WithTimeout(config.Seconds(pc.TimeoutSecs)),
			payment.WithLogger(log.Named("payment")))
	}
	log.Warn("using fake payment gateway")
	return payment.NewFake()
}

func newCRM(cc config.CRMConfig) crm.Syncer {
	if cc.APIKey == "" {
		return crm.Noop{}
	}
	return crm.NewGoHighLevel(cc.APIKey, cc.LocationID,
		crm.WithBaseURL(cc.BaseURL),
		crm.WithRateLimit(cc.RatePerSec),
		crm.WithTimeout(config.Seconds(cc.TimeoutSecs)))
}

func newLocker(ctx context.Context, rc config.RedisConfig) (checkout.Locker, func() error, error) {
	if rc.Addr == "" {
		return checkout.NewMemoryLocker(), func() error { return nil }, nil
	}
	l := redis.New(redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		Prefix:   "nylta:checkout:",
	})
	if err := l.Ping(ctx); err != nil {
		l.Close()
		return nil, nil, eris.Wrapf(err, "connect redis %s", rc.Addr)
	}
	return l, l.Close, nil
}
