package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/stash/internal/endpoint"
	"github.com/dyluth/stash/internal/store"
	"github.com/rs/zerolog"
)

// Diagnostics recorded on the shadow handle when it is not used.
var (
	errNoShadowTarget  = errors.New("no cloud endpoint configured")
	errShadowIsPrimary = errors.New("cloud endpoint is the connected primary")
)

// ProbeAttempt records one connection attempt.
type ProbeAttempt struct {
	Role     Role
	Target   endpoint.Target
	Err      error
	Duration time.Duration
}

// MarshalJSON renders the attempt with a redacted address and a string error.
func (a ProbeAttempt) MarshalJSON() ([]byte, error) {
	out := struct {
		Role       Role   `json:"role"`
		Address    string `json:"address"`
		Source     string `json:"source"`
		Error      string `json:"error,omitempty"`
		DurationMs int64  `json:"duration_ms"`
	}{
		Role:       a.Role,
		Address:    a.Target.Redacted(),
		Source:     a.Target.Source,
		DurationMs: a.Duration.Milliseconds(),
	}
	if a.Err != nil {
		out.Error = a.Err.Error()
	}
	return json.Marshal(out)
}

// prober dials the shadow target once and the primary candidates in priority
// order, publishing the outcome into the handles.
type prober struct {
	dialer         store.Dialer
	primaries      []endpoint.Target
	shadow         *endpoint.Target
	primaryTimeout time.Duration
	shadowTimeout  time.Duration
	logger         zerolog.Logger
	metrics        *Metrics

	mu       sync.Mutex
	attempts []ProbeAttempt
}

// run probes both handles and returns once both have settled. The shadow
// probe is started before the primary loop begins dialing. A dialed shadow is
// only published once the primary has settled, so it can be rejected when it
// turns out to be the primary's store.
func (p *prober) run(ctx context.Context, primary, shadow *Handle) {
	shadowStarted := make(chan struct{})
	primarySettled := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.probeShadow(ctx, shadow, primary, shadowStarted, primarySettled)
	}()

	go func() {
		defer wg.Done()
		defer close(primarySettled)
		select {
		case <-shadowStarted:
		case <-ctx.Done():
		}
		p.probePrimary(ctx, primary)
	}()

	wg.Wait()
}

func (p *prober) probeShadow(ctx context.Context, h, primary *Handle, started chan<- struct{}, primarySettled <-chan struct{}) {
	if p.shadow == nil {
		h.transition(StatusUninitialized, &connection{status: StatusProbing})
		p.metrics.setStatus(RoleShadow, StatusProbing)
		close(started)
		p.publishUnavailable(h, StatusProbing, errNoShadowTarget)
		p.logger.Debug().Msg("No cloud endpoint configured, shadow disabled")
		return
	}

	h.transition(StatusUninitialized, &connection{status: StatusProbing, target: *p.shadow})
	p.metrics.setStatus(RoleShadow, StatusProbing)
	close(started)

	s, err := p.attempt(ctx, RoleShadow, *p.shadow, p.shadowTimeout)
	if err != nil {
		p.publishUnavailable(h, StatusProbing, fmt.Errorf("shadow %s: %w", p.shadow.Redacted(), err))
		p.logger.Warn().Err(err).Str("target", p.shadow.Redacted()).Msg("Cloud shadow unavailable")
		return
	}

	select {
	case <-primarySettled:
	case <-ctx.Done():
	}

	if target, ok := primary.Target(); ok && endpoint.SameStore(target, *p.shadow) {
		p.release(s)
		err := fmt.Errorf("shadow %s: %w", p.shadow.Redacted(), errShadowIsPrimary)
		p.amend(RoleShadow, *p.shadow, errShadowIsPrimary)
		p.publishUnavailable(h, StatusProbing, err)
		p.logger.Warn().Str("target", p.shadow.Redacted()).
			Msg("Cloud endpoint is the connected primary, running without a shadow")
		return
	}

	p.publishConnected(ctx, h, *p.shadow, s)
	p.logger.Info().Str("target", p.shadow.Redacted()).Msg("Cloud shadow connected")
}

func (p *prober) probePrimary(ctx context.Context, h *Handle) {
	h.transition(StatusUninitialized, &connection{status: StatusProbing})
	p.metrics.setStatus(RolePrimary, StatusProbing)

	var errs []error
	for _, target := range p.primaries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		s, err := p.attempt(ctx, RolePrimary, target, p.primaryTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target.Redacted(), err))
			p.logger.Debug().Err(err).Str("target", target.Redacted()).Int("priority", target.Priority).
				Msg("Primary candidate unreachable")
			continue
		}

		p.publishConnected(ctx, h, target, s)
		p.logger.Info().Str("target", target.Redacted()).Str("source", target.Source).Msg("Primary store connected")
		return
	}

	if len(p.primaries) == 0 {
		errs = append(errs, errors.New("no primary candidates"))
	}
	p.publishUnavailable(h, StatusProbing, errors.Join(errs...))
	p.logger.Warn().Int("candidates", len(p.primaries)).
		Msg("No primary store reachable, running in synthetic mode")
}

// attempt dials target within timeout and records the attempt.
func (p *prober) attempt(ctx context.Context, role Role, target endpoint.Target, timeout time.Duration) (store.Store, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	s, err := p.dialer.Dial(attemptCtx, target)
	elapsed := time.Since(start)

	p.mu.Lock()
	p.attempts = append(p.attempts, ProbeAttempt{Role: role, Target: target, Err: err, Duration: elapsed})
	p.mu.Unlock()

	p.metrics.ProbeAttemptTiming.WithLabelValues(string(role), outcomeLabel(err)).Observe(elapsed.Seconds())
	return s, err
}

// publishConnected makes s visible through h. If the layer was closed while
// dialing, the store is released instead.
func (p *prober) publishConnected(ctx context.Context, h *Handle, target endpoint.Target, s store.Store) {
	if ctx.Err() != nil || !h.transition(StatusProbing, &connection{status: StatusConnected, target: target, store: s}) {
		p.release(s)
		p.publishUnavailable(h, StatusProbing, context.Canceled)
		return
	}
	p.metrics.setStatus(h.role, StatusConnected)
}

// release closes a store that will not be published.
func (p *prober) release(s store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to close unpublished store")
	}
}

// amend sets err on the latest recorded attempt for role against target.
func (p *prober) amend(role Role, target endpoint.Target, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.attempts) - 1; i >= 0; i-- {
		if p.attempts[i].Role == role && p.attempts[i].Target.Address == target.Address {
			p.attempts[i].Err = err
			return
		}
	}
}

func (p *prober) publishUnavailable(h *Handle, from Status, err error) {
	if h.transition(from, &connection{status: StatusUnavailable, err: err}) {
		p.metrics.setStatus(h.role, StatusUnavailable)
	}
}

// diagnostics returns a copy of the recorded attempts in the order they
// finished.
func (p *prober) diagnostics() []ProbeAttempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProbeAttempt, len(p.attempts))
	copy(out, p.attempts)
	return out
}
