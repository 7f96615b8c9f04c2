package pricing

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nylta/bulk-filing/metrics"
)

var errNilTable = errors.New("pricing: source returned no table")

// Source fetches a pricing snapshot from somewhere outside the process.
type Source interface {
	Fetch(ctx context.Context) (*Table, error)
}

// StaticSource always returns the same table.
type StaticSource struct {
	Table *Table
}

func (s StaticSource) Fetch(context.Context) (*Table, error) {
	if s.Table == nil {
		return DefaultTable(), nil
	}
	return s.Table, nil
}

// Provider hands out the current pricing snapshot.
//
// Readers call Current() and get an immutable *Table; Reload() swaps in a
// new one. A failed reload keeps whatever was there before, which at boot
// is DefaultTable(), so readers always see a usable table.
type Provider struct {
	current  atomic.Pointer[Table]
	source   Source
	timeout  time.Duration
	logger   *zap.Logger
	loadedAt atomic.Pointer[time.Time]
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithSource sets the remote source used by Reload.
func WithSource(s Source) ProviderOption {
	return func(p *Provider) { p.source = s }
}

// WithFetchTimeout bounds a single Reload.
func WithFetchTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) { p.timeout = d }
}

// WithLogger sets the provider logger.
func WithLogger(l *zap.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// NewProvider starts with initial, or the defaults when initial is nil.
func NewProvider(initial *Table, opts ...ProviderOption) *Provider {
	p := &Provider{timeout: 10 * time.Second, logger: zap.L()}
	for _, o := range opts {
		o(p)
	}
	if initial == nil {
		initial = DefaultTable()
	}
	p.current.Store(initial)
	now := time.Now()
	p.loadedAt.Store(&now)
	return p
}

// Current returns the active snapshot. Never nil, never blocks.
func (p *Provider) Current() *Table {
	return p.current.Load()
}

// Calculator returns a Calculator bound to the active snapshot.
func (p *Provider) Calculator() *Calculator {
	return NewCalculator(p.Current())
}

// LoadedAt is when the active snapshot was installed.
func (p *Provider) LoadedAt() time.Time {
	return *p.loadedAt.Load()
}

// Reload fetches a new snapshot and installs it. On error the previous
// snapshot stays active and is returned together with the error.
func (p *Provider) Reload(ctx context.Context) (*Table, error) {
	if p.source == nil {
		return p.Current(), nil
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	t, err := p.source.Fetch(ctx)
	if err == nil && t == nil {
		err = errNilTable
	}
	if err != nil {
		metrics.PricingReloads.WithLabelValues("error").Inc()
		prev := p.Current()
		p.logger.Warn("pricing reload failed, keeping previous table",
			zap.String("active_source", prev.Source()),
			zap.Error(err))
		return prev, err
	}

	p.current.Store(t)
	now := time.Now()
	p.loadedAt.Store(&now)
	metrics.PricingReloads.WithLabelValues("ok").Inc()
	p.logger.Info("pricing table reloaded",
		zap.String("source", t.Source()),
		zap.Int("tiers", len(t.tiers)))
	return t, nil
}
