package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pacer spaces out consecutive requests made under the same key by a random
// interval in [min, max]. Batch workers use their worker id as the key so each
// worker rests between items. A zero interval disables pacing (turbo mode).
type Pacer struct {
	lastRequest   map[string]time.Time // key -> end of last request
	lastRequestMu sync.Mutex
	min, max      time.Duration
	log           *logrus.Entry
}

// NewPacer creates a Pacer. max below min is raised to min.
func NewPacer(min, max time.Duration, log *logrus.Entry) *Pacer {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	return &Pacer{
		lastRequest: make(map[string]time.Time),
		min:         min,
		max:         max,
		log:         log,
	}
}

// Disabled reports whether the pacer never sleeps.
func (p *Pacer) Disabled() bool {
	return p.max <= 0
}

// NextInterval draws a random interval in [min, max].
func (p *Pacer) NextInterval() time.Duration {
	if p.max <= p.min {
		return p.min
	}
	return p.min + time.Duration(rand.Int63n(int64(p.max-p.min)+1))
}

// ApplyDelay sleeps until a freshly drawn interval has passed since the last
// request recorded for key. The first request for a key never waits.
// Returns ctx.Err() if the context ends during the wait.
func (p *Pacer) ApplyDelay(ctx context.Context, key string) error {
	if p.Disabled() {
		return nil
	}

	p.lastRequestMu.Lock()
	last, exists := p.lastRequest[key]
	p.lastRequestMu.Unlock()
	if !exists {
		return nil
	}

	interval := p.NextInterval()
	elapsed := time.Since(last)
	if elapsed >= interval {
		return nil
	}
	sleep := interval - elapsed
	if p.log != nil {
		p.log.WithFields(logrus.Fields{"key": key, "sleep": sleep, "interval": interval}).Debug("Pacer applying sleep")
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateLastRequestTime records now as the end of the last request for key.
func (p *Pacer) UpdateLastRequestTime(key string) {
	p.lastRequestMu.Lock()
	p.lastRequest[key] = time.Now()
	p.lastRequestMu.Unlock()
}
