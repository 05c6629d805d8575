package fetch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func holdWithin(l *HostLimiter, domain string, d time.Duration) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return l.Hold(ctx, domain)
}

func TestHostLimiter_ReleaseOnlyOnce(t *testing.T) {
	l := NewHostLimiter(2, testLogger())

	first, err := l.Hold(context.Background(), "img.example.com")
	require.NoError(t, err)
	second, err := l.Hold(context.Background(), "img.example.com")
	require.NoError(t, err)

	// A worker's deferred release plus an explicit one.
	first()
	first()

	third, err := holdWithin(l, "img.example.com", time.Second)
	require.NoError(t, err)

	_, err = holdWithin(l, "img.example.com", 30*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "the repeated release must not free a second slot")

	second()
	third()
	assert.Zero(t, l.Domains())
}

func TestHostLimiter_BatchWorkersShareDomainCap(t *testing.T) {
	const perHost = 2
	l := NewHostLimiter(perHost, testLogger())

	var inFlight, peak atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			release, err := l.Hold(context.Background(), "cdn.example.org")
			if err != nil {
				return err
			}
			defer release()

			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			release()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, peak.Load(), int32(perHost))
	assert.Equal(t, int32(perHost), peak.Load(), "workers should use every slot")
	assert.Zero(t, l.Domains(), "idle domains are dropped")
}

func TestHostLimiter_DomainsIndependent(t *testing.T) {
	l := NewHostLimiter(1, testLogger())

	a, err := l.Hold(context.Background(), "a.example.com")
	require.NoError(t, err)
	b, err := holdWithin(l, "b.example.com", 100*time.Millisecond)
	require.NoError(t, err, "a busy domain must not block another")
	assert.Equal(t, 2, l.Domains())

	a()
	b()
	assert.Zero(t, l.Domains())
}

func TestHostLimiter_CancelledWaitLeavesNoSlot(t *testing.T) {
	l := NewHostLimiter(1, testLogger())

	held, err := l.Hold(context.Background(), "img.example.com")
	require.NoError(t, err)

	release, err := holdWithin(l, "img.example.com", 20*time.Millisecond)
	assert.Nil(t, release)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, l.Domains())

	held()
	assert.Zero(t, l.Domains())
}

func TestNewHostLimiter_NonPositiveLimit(t *testing.T) {
	l := NewHostLimiter(0, testLogger())

	held, err := l.Hold(context.Background(), "img.example.com")
	require.NoError(t, err)
	defer held()

	_, err = holdWithin(l, "img.example.com", 20*time.Millisecond)
	assert.Error(t, err)
}
