package events

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/img-refetch/pkg/models"
)

func TestBus_SyncSubscribers(t *testing.T) {
	b := NewBus()
	rec := &Recorder{}
	require.NoError(t, b.Subscribe(rec.Notify))

	b.Notify(Event{Kind: AttemptStarted, Strategy: models.StrategyDirect})
	b.Publish(Event{Kind: AttemptFailed, Strategy: models.StrategyDirect, ErrKind: models.KindHTTPStatus})

	assert.Equal(t, []Kind{AttemptStarted, AttemptFailed}, rec.Kinds())
	last, ok := rec.Last()
	require.True(t, ok)
	assert.False(t, last.At.IsZero())
	assert.Equal(t, models.KindHTTPStatus, last.ErrKind)
}

func TestBus_AsyncSubscribers(t *testing.T) {
	b := NewBus()
	var n int64
	require.NoError(t, b.SubscribeAsync(func(Event) { atomic.AddInt64(&n, 1) }, true))

	for i := 0; i < 10; i++ {
		b.Publish(Event{Kind: ItemProgress, Done: i, Total: 10})
	}
	b.WaitAsync()
	assert.Equal(t, int64(10), atomic.LoadInt64(&n))
}

func TestBus_Isolated(t *testing.T) {
	a, b := NewBus(), NewBus()
	rec := &Recorder{}
	require.NoError(t, a.Subscribe(rec.Notify))
	b.Publish(Event{Kind: Succeeded})
	assert.Empty(t, rec.Events())
}

func TestOrNop(t *testing.T) {
	assert.NotPanics(t, func() { OrNop(nil).Notify(Event{Kind: Failed}) })
	rec := &Recorder{}
	OrNop(rec).Notify(Event{Kind: Failed})
	assert.Len(t, rec.Events(), 1)
}
