package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/stash/internal/endpoint"
	"github.com/dyluth/stash/internal/store"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

// recordingDialer wraps a real dialer. It records the order of dial calls and
// can fail, delay or hang individual addresses.
type recordingDialer struct {
	next store.Dialer

	mu     sync.Mutex
	calls  []string
	fail   map[string]bool
	hang   map[string]bool
	delay  map[string]time.Duration
	onDial func(endpoint.Target)
}

func newRecordingDialer() *recordingDialer {
	return &recordingDialer{
		next:  store.URIDialer{Database: "test_db"},
		fail:  map[string]bool{},
		hang:  map[string]bool{},
		delay: map[string]time.Duration{},
	}
}

func (d *recordingDialer) Dial(ctx context.Context, target endpoint.Target) (store.Store, error) {
	d.mu.Lock()
	d.calls = append(d.calls, target.Address)
	fail, hang, delay := d.fail[target.Address], d.hang[target.Address], d.delay[target.Address]
	onDial := d.onDial
	d.mu.Unlock()

	if onDial != nil {
		onDial(target)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errRefused
	}
	return d.next.Dial(ctx, target)
}

func (d *recordingDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

func redisTarget(mr *miniredis.Miniredis, kind endpoint.Kind, priority int) endpoint.Target {
	return endpoint.Target{
		Kind:     kind,
		Address:  "redis://" + mr.Addr() + "/0",
		Priority: priority,
		Source:   "test",
	}
}

func deadTarget(host string, priority int) endpoint.Target {
	return endpoint.Target{
		Kind:     endpoint.KindPrimary,
		Address:  "redis://" + host + ":6379/0",
		Priority: priority,
		Source:   "test",
	}
}

// startLayer creates and starts a layer and waits for probing to settle.
func startLayer(t *testing.T, dialer store.Dialer, targets ...endpoint.Target) *Layer {
	t.Helper()

	l, err := New(Options{
		Targets:        targets,
		Dialer:         dialer,
		PrimaryTimeout: 200 * time.Millisecond,
		ShadowTimeout:  200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close(context.Background()) })

	l.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.WaitReady(ctx))
	return l
}

// dualLayer starts a layer over two miniredis servers acting as primary and
// shadow.
func dualLayer(t *testing.T) (l *Layer, primary, shadow *store.RedisStore) {
	t.Helper()

	pmr := miniredis.RunT(t)
	smr := miniredis.RunT(t)

	l = startLayer(t, newRecordingDialer(),
		redisTarget(pmr, endpoint.KindPrimary, 0),
		redisTarget(smr, endpoint.KindShadow, 1),
	)

	return l, directStore(t, pmr), directStore(t, smr)
}

// directStore opens a second client on mr for seeding and inspection.
func directStore(t *testing.T, mr *miniredis.Miniredis) *store.RedisStore {
	t.Helper()
	s, err := store.DialRedis(context.Background(), "redis://"+mr.Addr()+"/0", "test_db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}
