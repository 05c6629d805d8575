package fetch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// domainSlot is the semaphore shared by every worker holding or waiting on
// one image domain. users counts both.
type domainSlot struct {
	sem   *semaphore.Weighted
	users int
}

// HostLimiter caps how many batch workers download from one image domain at
// once. A domain's slot exists only while some worker holds or waits on it,
// so a long batch over many domains does not accumulate state.
type HostLimiter struct {
	mu      sync.Mutex
	slots   map[string]*domainSlot
	perHost int64
	log     *logrus.Entry
}

// NewHostLimiter returns a limiter allowing perHost concurrent downloads per
// domain. Values below 1 are treated as 1.
func NewHostLimiter(perHost int, log *logrus.Entry) *HostLimiter {
	if perHost < 1 {
		log.Warnf("max_requests_per_host %d is invalid, using 1", perHost)
		perHost = 1
	}
	return &HostLimiter{
		slots:   make(map[string]*domainSlot),
		perHost: int64(perHost),
		log:     log,
	}
}

// Hold blocks until a download slot for domain is free or ctx ends. The
// returned release may be called any number of times; only the first call
// gives the slot back.
func (l *HostLimiter) Hold(ctx context.Context, domain string) (release func(), err error) {
	slot := l.join(domain)

	if !slot.sem.TryAcquire(1) {
		l.log.WithFields(logrus.Fields{"domain": domain, "limit": l.perHost}).Debug("Waiting for a free slot on domain")
		if err := slot.sem.Acquire(ctx, 1); err != nil {
			l.leave(domain, slot)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			slot.sem.Release(1)
			l.leave(domain, slot)
		})
	}, nil
}

func (l *HostLimiter) join(domain string) *domainSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[domain]
	if !ok {
		slot = &domainSlot{sem: semaphore.NewWeighted(l.perHost)}
		l.slots[domain] = slot
	}
	slot.users++
	return slot
}

func (l *HostLimiter) leave(domain string, slot *domainSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.users--
	if slot.users == 0 && l.slots[domain] == slot {
		delete(l.slots, domain)
	}
}

// Domains returns how many domains currently have a holder or a waiter.
func (l *HostLimiter) Domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
