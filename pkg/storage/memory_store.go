package storage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// MemoryStore is a DownloadStore that lives only as long as the process.
// Used when batch state persistence is disabled.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]models.ItemDBEntry
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]models.ItemDBEntry)}
}

func (m *MemoryStore) ItemStatus(key string) (models.ItemStatus, *models.ItemDBEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[key]
	if !ok {
		return models.ItemStatusNotFound, nil, nil
	}
	return e.Status, &e, nil
}

func (m *MemoryStore) IsDownloaded(key string) (bool, error) {
	status, _, _ := m.ItemStatus(key)
	return status == models.ItemStatusSuccess, nil
}

func (m *MemoryStore) UpdateItem(key string, entry *models.ItemDBEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = *entry
	return nil
}

func (m *MemoryStore) MarkDownloaded(key string, entry *models.ItemDBEntry) error {
	e := models.ItemDBEntry{}
	if entry != nil {
		e = *entry
	}
	e.Status = models.ItemStatusSuccess
	return m.UpdateItem(key, &e)
}

func (m *MemoryStore) DownloadedCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.items {
		if e.Status == models.ItemStatusSuccess {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Incomplete(ctx context.Context) ([]string, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, e := range m.items {
		switch e.Status {
		case models.ItemStatusPending, models.ItemStatusDownloading, models.ItemStatusFailed:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, 0, ctx.Err()
}

func (m *MemoryStore) WriteDownloadedLog(filePath string) error {
	m.mu.RLock()
	var b strings.Builder
	keys := make([]string, 0, len(m.items))
	for k, e := range m.items {
		if e.Status == models.ItemStatusSuccess {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + "\t" + m.items[k].LocalPath + "\n")
	}
	m.mu.RUnlock()

	if err := os.WriteFile(filePath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("%w: write downloaded log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	return nil
}

// RunGC blocks until ctx is done; there is nothing to collect.
func (m *MemoryStore) RunGC(ctx context.Context, _ time.Duration) { <-ctx.Done() }

func (m *MemoryStore) Close() error { return nil }

var (
	_ DownloadStore = (*BadgerStore)(nil)
	_ DownloadStore = (*MemoryStore)(nil)
)
