package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// launchMu serializes engine start-up across goroutines. Only the launch is
// serialized; a launched instance belongs to the caller.
var launchMu sync.Mutex

// Handle owns one launched browser and the tabs opened through it.
// Release closes everything and is safe to call more than once.
type Handle struct {
	inst Instance
	log  *logrus.Entry

	mu       sync.Mutex
	tabs     []Tab
	released bool
	err      error
}

// Acquire launches a browser, trying the configured channels in order. The
// first channel that starts wins. If none start, the error wraps
// utils.ErrBrowserLaunch and names every channel's failure.
func Acquire(ctx context.Context, launcher Launcher, cfg config.BrowserConfig, log *logrus.Entry) (*Handle, error) {
	launchMu.Lock()
	defer launchMu.Unlock()

	order := cfg.LaunchOrder()
	if len(order) == 0 {
		order = []string{""}
	}
	var failures []string
	for _, ch := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inst, err := launcher.Launch(ch, cfg.IsHeaded())
		if err != nil {
			log.WithFields(logrus.Fields{"channel": ChannelLabel(ch), "error": err}).Debug("Browser launch failed")
			failures = append(failures, fmt.Sprintf("%s: %s", ChannelLabel(ch), utils.ShortError(err.Error(), 200)))
			continue
		}
		log.WithFields(logrus.Fields{"channel": ChannelLabel(ch), "headed": cfg.IsHeaded()}).Info("Browser launched")
		return &Handle{inst: inst, log: log}, nil
	}
	return nil, fmt.Errorf("%w: %s", utils.ErrBrowserLaunch, strings.Join(failures, " | "))
}

// Channel returns the channel that launched.
func (h *Handle) Channel() string {
	return h.inst.Channel()
}

// NewTab opens a tab that is closed on Release.
func (h *Handle) NewTab(opts TabOptions) (Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, errors.New("browser handle already released")
	}
	tab, err := h.inst.NewTab(opts)
	if err != nil {
		return nil, err
	}
	h.tabs = append(h.tabs, tab)
	return tab, nil
}

// Release closes all tabs and the browser.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return h.err
	}
	h.released = true

	var errs []error
	for _, tab := range h.tabs {
		if err := tab.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.tabs = nil
	if err := h.inst.Close(); err != nil {
		errs = append(errs, err)
	}
	h.err = errors.Join(errs...)
	if h.err != nil {
		h.log.WithError(h.err).Warn("Errors while closing browser")
	}
	return h.err
}
