// Package persistence is the dual-store persistence layer. A Layer probes a
// ranked list of primary candidates and an optional cloud shadow in the
// background, replicates every write to both, merges reads with primary
// precedence and propagates deletes to both.
//
// Operations never return errors to the caller. When no store is reachable,
// writes are dropped and reads return empty results; what happened is logged
// and counted instead.
package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/stash/internal/endpoint"
	"github.com/dyluth/stash/internal/store"
	"github.com/dyluth/stash/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var errLayerClosed = errors.New("layer closed before start")

// Default timeouts. The primary gets longer than the shadow because the
// primary is required for normal operation.
const (
	DefaultPrimaryTimeout   = 5 * time.Second
	DefaultShadowTimeout    = 3 * time.Second
	DefaultOperationTimeout = 10 * time.Second
)

// Options configures a Layer.
type Options struct {
	// Targets is the resolver output: primary candidates in priority order
	// plus at most one shadow.
	Targets []endpoint.Target

	// Dialer opens stores for targets. Required.
	Dialer store.Dialer

	// Collections describes keyed and binary fields. Defaults to
	// record.DefaultCollections.
	Collections *record.Registry

	PrimaryTimeout   time.Duration
	ShadowTimeout    time.Duration
	OperationTimeout time.Duration // Bounds each WriteAsync

	Logger *zerolog.Logger

	// Registerer receives the layer's collectors. Nil skips registration.
	Registerer prometheus.Registerer

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Layer is the persistence facade. It is safe for concurrent use.
type Layer struct {
	primary *Handle
	shadow  *Handle
	prober  *prober

	collections *record.Registry
	logger      zerolog.Logger
	metrics     *Metrics
	now         func() time.Time
	opTimeout   time.Duration

	seq atomic.Int64

	startOnce sync.Once
	started   atomic.Bool
	ready     chan struct{}
	cancel    context.CancelFunc

	mu       sync.Mutex // guards closed and inflight.Add
	closed   bool
	inflight sync.WaitGroup
	closeErr error
	closeOne sync.Once
}

// New creates a Layer. No connection is attempted until Start.
func New(opts Options) (*Layer, error) {
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}

	if opts.Collections == nil {
		opts.Collections = record.NewRegistry(record.DefaultCollections()...)
	}
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if opts.ShadowTimeout <= 0 {
		opts.ShadowTimeout = DefaultShadowTimeout
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	metrics := NewMetrics()
	if opts.Registerer != nil {
		if err := metrics.Register(opts.Registerer); err != nil {
			return nil, err
		}
	}

	var shadow *endpoint.Target
	if t, ok := endpoint.Shadow(opts.Targets); ok {
		shadow = &t
	}

	l := &Layer{
		primary:     newHandle(RolePrimary),
		shadow:      newHandle(RoleShadow),
		collections: opts.Collections,
		logger:      logger.With().Str("component", "persistence").Logger(),
		metrics:     metrics,
		now:         opts.Now,
		opTimeout:   opts.OperationTimeout,
		ready:       make(chan struct{}),
		prober: &prober{
			dialer:         opts.Dialer,
			primaries:      endpoint.Primaries(opts.Targets),
			shadow:         shadow,
			primaryTimeout: opts.PrimaryTimeout,
			shadowTimeout:  opts.ShadowTimeout,
			logger:         logger.With().Str("component", "prober").Logger(),
			metrics:        metrics,
		},
	}
	metrics.setStatus(RolePrimary, StatusUninitialized)
	metrics.setStatus(RoleShadow, StatusUninitialized)

	return l, nil
}

// Start launches the background probes and returns immediately. Calls after
// the first are no-ops. Cancelling ctx aborts probes still in flight. After
// Close, Start dials nothing and settles both handles Unavailable.
func (l *Layer) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			l.settleClosed()
			return
		}
		probeCtx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		l.started.Store(true)
		l.mu.Unlock()

		l.logger.Info().
			Int("primary_candidates", len(l.prober.primaries)).
			Bool("shadow_configured", l.prober.shadow != nil).
			Msg("Probing stores")

		go func() {
			defer close(l.ready)
			l.prober.run(probeCtx, l.primary, l.shadow)
			report := l.Status()
			l.logger.Info().
				Stringer("primary", report.Primary).
				Stringer("shadow", report.Shadow).
				Msg("Store probing complete")
		}()
	})
}

// settleClosed marks both handles unavailable without probing. Used when
// Start follows Close.
func (l *Layer) settleClosed() {
	for _, h := range []*Handle{l.primary, l.shadow} {
		h.transition(StatusUninitialized, &connection{status: StatusProbing})
		if h.transition(StatusProbing, &connection{status: StatusUnavailable, err: errLayerClosed}) {
			l.metrics.setStatus(h.role, StatusUnavailable)
		}
	}
	close(l.ready)
	l.logger.Warn().Msg("Start called after Close, not probing")
}

// Ready returns a channel closed once both probes have settled.
func (l *Layer) Ready() <-chan struct{} {
	return l.ready
}

// WaitReady blocks until both probes have settled or ctx is done.
func (l *Layer) WaitReady(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Diagnostics returns every recorded probe attempt.
func (l *Layer) Diagnostics() []ProbeAttempt {
	return l.prober.diagnostics()
}

// Metrics returns the layer's collectors.
func (l *Layer) Metrics() *Metrics {
	return l.metrics
}

// Collections returns the collection registry in use.
func (l *Layer) Collections() *record.Registry {
	return l.collections
}

// Close drains pending asynchronous writes, stops probing and releases both
// connections. It is idempotent.
func (l *Layer) Close(ctx context.Context) error {
	l.closeOne.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			l.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			l.logger.Warn().Msg("Timed out draining pending writes")
		}

		if l.started.Load() {
			l.cancel()
			<-l.ready
		}

		var errs []error
		for _, h := range []*Handle{l.primary, l.shadow} {
			if s, _, ok := h.connected(); ok {
				if err := s.Close(ctx); err != nil {
					errs = append(errs, err)
				}
			}
		}
		l.closeErr = errors.Join(errs...)
	})
	return l.closeErr
}

// stores returns the connected primary and the connected shadow. The shadow
// is nil when it reaches the same store as the primary, so that one physical
// store is never written or counted twice. The prober normally refuses to
// publish such a shadow at all.
func (l *Layer) stores() (primary, shadow store.Store) {
	p, pt, pok := l.primary.connected()
	s, st, sok := l.shadow.connected()
	if !pok {
		p = nil
	}
	if !sok || (pok && endpoint.SameStore(pt, st)) {
		s = nil
	}
	return p, s
}

// opContext bounds ctx by the operation timeout.
func (l *Layer) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.opTimeout)
}
