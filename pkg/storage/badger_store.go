package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/log"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

const (
	itemKeyPrefix = "item:"        // Prefix for image URL keys in DB
	downloadsDir  = "downloads_db" // Subdirectory suffix within stateDir for Badger DB files
)

// BadgerStore implements DownloadStore using BadgerDB
type BadgerStore struct {
	db         *badger.DB
	log        *logrus.Entry
	ctx        context.Context
	downloaded atomic.Int64 // Cached success count
}

// NewBadgerStore opens the store for one batch (named after its input file).
// Without resume, previous state for that name is removed first.
func NewBadgerStore(ctx context.Context, stateDir, batchName string, resume bool, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{
		log: logger.WithField("component", "store"),
		ctx: ctx,
	}

	dbPath := filepath.Join(stateDir, utils.SanitizeFilename(batchName)+"_"+downloadsDir)

	if !resume {
		store.log.Warnf("Resume disabled. Removing existing state directory: %s", dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			store.log.Errorf("Failed to remove existing state directory %s: %v", dbPath, err)
		}
	}

	store.log.Infof("Opening download state at: %s (Resume: %v)", dbPath, resume)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	if resume {
		count, err := store.countDownloaded()
		if err != nil {
			store.log.Warnf("Failed to count downloaded items on resume: %v", err)
		} else {
			store.downloaded.Store(int64(count))
			store.log.Infof("Resuming with %d items already downloaded", count)
		}
	}
	return store, nil
}

// scan calls fn for every item entry. Entries that fail to decode count as scan errors.
func (s *BadgerStore) scan(ctx context.Context, fn func(key string, entry models.ItemDBEntry) error) (int, error) {
	scanErrors := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(itemKeyPrefix)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.KeyCopy(nil)[len(prefix):])

			var entry models.ItemDBEntry
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				s.log.Warnf("Scan: skipping undecodable entry for '%s': %v", key, err)
				scanErrors++
				continue
			}
			if err := fn(key, entry); err != nil {
				return err
			}
		}
		return nil
	})
	return scanErrors, err
}

func (s *BadgerStore) countDownloaded() (int, error) {
	count := 0
	_, err := s.scan(context.Background(), func(_ string, e models.ItemDBEntry) error {
		if e.Status == models.ItemStatusSuccess {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// ItemStatus implements DownloadStore
func (s *BadgerStore) ItemStatus(key string) (models.ItemStatus, *models.ItemDBEntry, error) {
	status := models.ItemStatusNotFound
	var entry *models.ItemDBEntry
	dbKey := []byte(itemKeyPrefix + key)

	errView := s.db.View(func(txn *badger.Txn) error {
		item, errGet := txn.Get(dbKey)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet != nil {
			return fmt.Errorf("%w: get item key '%s': %w", utils.ErrDatabase, key, errGet)
		}
		return item.Value(func(val []byte) error {
			var decoded models.ItemDBEntry
			if errJson := json.Unmarshal(val, &decoded); errJson != nil {
				s.log.Warnf("Failed to unmarshal ItemDBEntry for '%s': %v. Treating as 'pending'.", key, errJson)
				status = models.ItemStatusPending
				return nil
			}
			entry = &decoded
			status = decoded.Status
			return nil
		})
	})

	if errView != nil {
		s.log.Errorf("DB View error in ItemStatus for '%s': %v", key, errView)
		return models.ItemStatusDBError, nil, errView
	}
	return status, entry, nil
}

// IsDownloaded implements DownloadStore
func (s *BadgerStore) IsDownloaded(key string) (bool, error) {
	status, _, err := s.ItemStatus(key)
	return status == models.ItemStatusSuccess, err
}

// UpdateItem implements DownloadStore
func (s *BadgerStore) UpdateItem(key string, entry *models.ItemDBEntry) error {
	if s.db == nil {
		return fmt.Errorf("%w: store not initialized", utils.ErrDatabase)
	}
	dbKey := []byte(itemKeyPrefix + key)

	entryBytes, errJson := json.Marshal(entry)
	if errJson != nil {
		return fmt.Errorf("%w: marshal ItemDBEntry for '%s': %w", utils.ErrParsing, key, errJson)
	}

	var wasDownloaded bool
	err := s.dbUpdate(func(txn *badger.Txn) error {
		wasDownloaded = false
		if item, errGet := txn.Get(dbKey); errGet == nil {
			_ = item.Value(func(val []byte) error {
				var prev models.ItemDBEntry
				if json.Unmarshal(val, &prev) == nil {
					wasDownloaded = prev.Status == models.ItemStatusSuccess
				}
				return nil
			})
		} else if !errors.Is(errGet, badger.ErrKeyNotFound) {
			return errGet
		}
		return txn.SetEntry(badger.NewEntry(dbKey, entryBytes))
	})
	if err != nil {
		s.log.WithField("key", key).Errorf("DB Update error in UpdateItem: %v", err)
		return fmt.Errorf("%w: set item '%s': %w", utils.ErrDatabase, key, err)
	}

	isDownloaded := entry.Status == models.ItemStatusSuccess
	switch {
	case isDownloaded && !wasDownloaded:
		s.downloaded.Add(1)
	case !isDownloaded && wasDownloaded:
		s.downloaded.Add(-1)
	}
	s.log.Debugf("Updated item '%s' to '%s'", key, entry.Status)
	return nil
}

// MarkDownloaded implements DownloadStore
func (s *BadgerStore) MarkDownloaded(key string, entry *models.ItemDBEntry) error {
	e := models.ItemDBEntry{}
	if entry != nil {
		e = *entry
	}
	e.Status = models.ItemStatusSuccess
	return s.UpdateItem(key, &e)
}

// DownloadedCount implements DownloadStore.
// Returns the cached count maintained on writes.
func (s *BadgerStore) DownloadedCount() (int, error) {
	return int(s.downloaded.Load()), nil
}

// Incomplete implements DownloadStore
func (s *BadgerStore) Incomplete(ctx context.Context) ([]string, int, error) {
	var keys []string
	scanErrors, err := s.scan(ctx, func(key string, e models.ItemDBEntry) error {
		switch e.Status {
		case models.ItemStatusPending, models.ItemStatusDownloading, models.ItemStatusFailed:
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Errorf("Error during incomplete scan: %v", err)
	}
	return keys, scanErrors, err
}

// WriteDownloadedLog implements DownloadStore. Each line is "url<TAB>local path".
func (s *BadgerStore) WriteDownloadedLog(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("%w: create downloaded log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	written := 0
	var writeErr error
	_, scanErr := s.scan(s.ctx, func(key string, e models.ItemDBEntry) error {
		if e.Status != models.ItemStatusSuccess {
			return nil
		}
		if _, err := writer.WriteString(key + "\t" + e.LocalPath + "\n"); err != nil && writeErr == nil {
			writeErr = err
		}
		written++
		return nil
	})

	if err := writer.Flush(); err != nil && writeErr == nil {
		writeErr = err
	}
	if err := file.Sync(); err != nil && writeErr == nil {
		writeErr = err
	}
	if scanErr != nil {
		return scanErr
	}
	if writeErr != nil {
		return fmt.Errorf("%w: write downloaded log '%s': %w", utils.ErrFilesystem, filePath, writeErr)
	}
	s.log.Infof("Wrote %d downloaded URLs to %s", written, filePath)
	return nil
}

// RunGC runs BadgerDB's value log garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				continue
			}
			var err error
			for err == nil {
				// Rewrite while at least half of a value log file is reclaimable
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}
		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB GC: %v", ctx.Err())
			return
		}
	}
}

// Close implements DownloadStore
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing download state: %v", err)
		return fmt.Errorf("%w: close: %w", utils.ErrDatabase, err)
	}
	s.log.Info("Download state closed.")
	return nil
}
