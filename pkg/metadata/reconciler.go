package metadata

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/config"
)

// Reconciler reapplies a payload to an image file. Implementations must keep
// metadata fields they do not recognize.
type Reconciler interface {
	Name() string
	Update(path string, p Payload) error
}

// Chain applies each reconciler in order. A reconciler that does not support
// the file's format is skipped as long as another one succeeded; any other
// failure fails the chain.
type Chain struct {
	steps []Reconciler
	log   *logrus.Entry
}

// NewChain creates a Chain.
func NewChain(log *logrus.Entry, steps ...Reconciler) *Chain {
	return &Chain{steps: steps, log: log.WithField("component", "metadata")}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Update(path string, p Payload) error {
	var errs, unsupported []error
	applied := 0
	for _, r := range c.steps {
		err := r.Update(path, p)
		switch {
		case err == nil:
			applied++
			c.log.WithFields(logrus.Fields{"path": path, "reconciler": r.Name()}).Debug("Metadata applied")
		case errors.Is(err, ErrUnsupportedFormat):
			unsupported = append(unsupported, fmt.Errorf("%s: %w", r.Name(), err))
		default:
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if applied == 0 && len(unsupported) > 0 {
		return errors.Join(unsupported...)
	}
	return nil
}

// Nop accepts every update without writing anything.
type Nop struct{}

func (Nop) Name() string                 { return "none" }
func (Nop) Update(string, Payload) error { return nil }

// FromConfig builds the reconciler selected by cfg.Mode.
func FromConfig(cfg config.MetadataConfig, editor Editor, log *logrus.Entry) Reconciler {
	switch cfg.Mode {
	case config.MetadataModeNone:
		return Nop{}
	case config.MetadataModeSidecar:
		return NewChain(log, NewSidecar())
	case config.MetadataModeEmbedded:
		return NewChain(log, NewEmbedded(editor))
	}
	return NewChain(log, NewEmbedded(editor), NewSidecar())
}
