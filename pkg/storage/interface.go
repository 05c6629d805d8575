package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/models"
)

// ItemStore tracks per-URL batch state. Keys are canonical image URLs
// (see parse.CanonicalKey).
type ItemStore interface {
	// IsDownloaded reports whether key has been saved successfully
	IsDownloaded(key string) (bool, error)

	// MarkDownloaded records a successful download. The entry status is forced to success
	MarkDownloaded(key string, entry *models.ItemDBEntry) error

	// ItemStatus returns the status and stored entry for key.
	// Returns ItemStatusNotFound with a nil entry when the key is unknown
	ItemStatus(key string) (models.ItemStatus, *models.ItemDBEntry, error)

	// UpdateItem stores entry for key, replacing any previous entry
	UpdateItem(key string, entry *models.ItemDBEntry) error
}

// StoreAdmin handles lifecycle and reporting
type StoreAdmin interface {
	// DownloadedCount returns the number of keys in success state
	DownloadedCount() (int, error)

	// Incomplete returns keys left pending, downloading or failed by an earlier run
	Incomplete(ctx context.Context) (keys []string, scanErrors int, err error)

	// WriteDownloadedLog writes every downloaded key with its local path to filePath
	WriteDownloadedLog(filePath string) error

	// RunGC runs periodic garbage collection until ctx is done. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close releases the store
	Close() error
}

// DownloadStore combines the item and admin interfaces
type DownloadStore interface {
	ItemStore
	StoreAdmin
}

// Open returns a BadgerStore under cfg.StateDir, or a MemoryStore when batch
// persistence is disabled.
func Open(ctx context.Context, cfg *config.AppConfig, batchName string, resume bool, log *logrus.Entry) (DownloadStore, error) {
	if !cfg.Batch.PersistsState() {
		return NewMemoryStore(), nil
	}
	return NewBadgerStore(ctx, cfg.StateDir, batchName, resume, log)
}
