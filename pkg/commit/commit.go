// Package commit swaps image files into place with a backup and rolls back when
// the result is not what the caller guaranteed.
package commit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/imaging"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// RejectedSuffix is appended to a target's path for the kept copy of an edit
// that failed the pixel guard.
const RejectedSuffix = ".rejected"

// Committer performs replace and guarded-edit transactions.
type Committer struct {
	cfg         config.CommitConfig
	log         *logrus.Entry
	now         func() time.Time
	fingerprint func(path string) (imaging.PixelFingerprint, error)
}

// Option customizes a Committer.
type Option func(*Committer)

// WithClock sets the time source used for backup names.
func WithClock(now func() time.Time) Option {
	return func(c *Committer) { c.now = now }
}

// WithFingerprinter replaces imaging.Fingerprint.
func WithFingerprinter(fn func(path string) (imaging.PixelFingerprint, error)) Option {
	return func(c *Committer) { c.fingerprint = fn }
}

// New creates a Committer.
func New(cfg config.CommitConfig, log *logrus.Entry, opts ...Option) *Committer {
	if cfg.BackupTimeFormat == "" {
		cfg.BackupTimeFormat = "20060102_150405"
	}
	c := &Committer{
		cfg:         cfg,
		log:         log.WithField("component", "commit"),
		now:         time.Now,
		fingerprint: imaging.Fingerprint,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BackupPath returns "<path>.bak_<timestamp>", adding _2, _3, ... until the name
// is free.
func BackupPath(path string, at time.Time, layout string) string {
	base := path + ".bak_" + at.Format(layout)
	if _, err := os.Lstat(base); errors.Is(err, os.ErrNotExist) {
		return base
	}
	for n := 2; ; n++ {
		p := fmt.Sprintf("%s_%d", base, n)
		if _, err := os.Lstat(p); errors.Is(err, os.ErrNotExist) {
			return p
		}
	}
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA == nil && errB == nil && filepath.Clean(absA) == filepath.Clean(absB) {
		return true
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(infoA, infoB)
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", utils.ErrMissingFile, path)
	}
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", utils.ErrFilesystem, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", utils.ErrMissingFile, path)
	}
	return nil
}

// swapIn copies src beside dst and renames it over dst, so dst is either the
// old or the new content, never a partial write.
func swapIn(src, dst string) error {
	staged := utils.TempPathBeside(dst, "swap-"+uuid.NewString()[:8])
	if err := utils.CopyFile(src, staged); err != nil {
		_ = os.Remove(staged)
		return err
	}
	if err := os.Rename(staged, dst); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("%w: rename %s -> %s: %w", utils.ErrFilesystem, staged, dst, err)
	}
	return nil
}

// Replace substitutes candidatePath for originalPath. The candidate must decode
// as an image. The original is first copied to a timestamped backup which is
// kept after success; deleting it is the operator's decision (see DeleteBackup).
// If the swap fails the original is restored from the backup and the backup is
// removed. The candidate file itself is never modified.
func (c *Committer) Replace(originalPath, candidatePath string) (*models.CommitTransaction, error) {
	log := c.log.WithFields(logrus.Fields{"target": originalPath, "candidate": candidatePath})

	if err := requireFile(originalPath); err != nil {
		return nil, err
	}
	if err := requireFile(candidatePath); err != nil {
		return nil, err
	}
	if sameFile(originalPath, candidatePath) {
		return nil, fmt.Errorf("%w: %s", utils.ErrSameFile, originalPath)
	}
	if _, err := imaging.ValidateFile(candidatePath); err != nil {
		return nil, fmt.Errorf("candidate rejected: %w", err)
	}

	now := c.now()
	tx := &models.CommitTransaction{
		OriginalPath:  originalPath,
		BackupPath:    BackupPath(originalPath, now, c.cfg.BackupTimeFormat),
		CandidatePath: candidatePath,
		CreatedAt:     now,
	}
	if err := utils.CopyFile(originalPath, tx.BackupPath); err != nil {
		_ = os.Remove(tx.BackupPath)
		return nil, fmt.Errorf("creating backup: %w", err)
	}

	if err := swapIn(candidatePath, originalPath); err != nil {
		log.WithError(err).Error("Swap failed, restoring backup")
		return nil, c.rollback(tx, err)
	}
	if _, err := imaging.ValidateFile(originalPath); err != nil {
		log.WithError(err).Error("Replaced file does not decode, restoring backup")
		return nil, c.rollback(tx, err)
	}

	log.WithField("backup", tx.BackupPath).Info("File replaced")
	return tx, nil
}

// rollback puts the backup back over the original and removes it.
func (c *Committer) rollback(tx *models.CommitTransaction, cause error) error {
	if err := swapIn(tx.BackupPath, tx.OriginalPath); err != nil {
		// Keep the backup: it is now the only good copy.
		return fmt.Errorf("replace failed (%v) and restore failed, backup kept at %s: %w", cause, tx.BackupPath, err)
	}
	_ = os.Remove(tx.BackupPath)
	return fmt.Errorf("replace rolled back: %w", cause)
}

// DeleteBackup removes the backup of a finished transaction.
func DeleteBackup(tx *models.CommitTransaction) error {
	if tx == nil || tx.BackupPath == "" {
		return nil
	}
	if err := os.Remove(tx.BackupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove backup %s: %w", utils.ErrFilesystem, tx.BackupPath, err)
	}
	return nil
}

// GuardedEdit applies edit to a staged copy of path and swaps the result in only
// if its pixels are identical to the original's. edit receives the staged path
// and may rewrite it freely (for example to change embedded metadata).
//
// The pixel fingerprint is checked twice: on the staged copy before the swap,
// and on path after it. A mismatch before the swap leaves path untouched (and
// keeps the staged copy as <path>.rejected when configured); a mismatch after
// it restores path byte-for-byte from a temporary backup. Both return an error
// wrapping utils.ErrIntegrity.
func (c *Committer) GuardedEdit(path string, edit func(stagedPath string) error) error {
	log := c.log.WithField("target", path)
	if err := requireFile(path); err != nil {
		return err
	}
	before, err := c.fingerprint(path)
	if err != nil {
		return fmt.Errorf("fingerprint before edit: %w", err)
	}

	tag := uuid.NewString()[:8]
	staged := utils.TempPathBeside(path, "edit-"+tag)
	defer os.Remove(staged)
	if err := utils.CopyFile(path, staged); err != nil {
		return err
	}
	if err := edit(staged); err != nil {
		return fmt.Errorf("edit failed: %w", err)
	}

	edited, err := c.fingerprint(staged)
	if err != nil || !edited.Equal(before) {
		if err == nil {
			err = fmt.Errorf("%w: staged %s, original %s", utils.ErrIntegrity, edited, before)
		} else {
			err = fmt.Errorf("%w: staged copy unreadable: %w", utils.ErrIntegrity, err)
		}
		if c.cfg.KeepsRejected() {
			if cpErr := utils.CopyFile(staged, path+RejectedSuffix); cpErr != nil {
				log.WithError(cpErr).Warn("Could not keep rejected copy")
			}
		}
		log.WithError(err).Error("Edit changed pixels, original left untouched")
		return err
	}

	backup := utils.TempPathBeside(path, "guard-"+tag)
	if err := utils.CopyFile(path, backup); err != nil {
		_ = os.Remove(backup)
		return err
	}
	if err := os.Rename(staged, path); err != nil {
		_ = os.Remove(backup)
		return fmt.Errorf("%w: rename %s -> %s: %w", utils.ErrFilesystem, staged, path, err)
	}

	after, err := c.fingerprint(path)
	if err == nil && after.Equal(before) {
		_ = os.Remove(backup)
		log.Debug("Guarded edit applied")
		return nil
	}
	if err == nil {
		err = fmt.Errorf("%w: after swap %s, original %s", utils.ErrIntegrity, after, before)
	} else {
		err = fmt.Errorf("%w: edited file unreadable: %w", utils.ErrIntegrity, err)
	}
	if rerr := swapIn(backup, path); rerr != nil {
		// The guard backup is now the only good copy.
		log.WithError(rerr).WithField("backup", backup).Error("Restore failed, backup kept")
		return fmt.Errorf("%w; restore failed, original kept at %s: %w", err, backup, rerr)
	}
	_ = os.Remove(backup)
	log.WithError(err).Error("Guarded edit rolled back")
	return err
}
