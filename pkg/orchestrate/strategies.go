package orchestrate

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/browser"
	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/fetch"
	"github.com/Sriram-PR/img-refetch/pkg/models"
)

// DirectStrategy is a single plain request with header-variant fallback.
type DirectStrategy interface {
	Fetch(ctx context.Context, target models.FetchTarget, dst io.Writer) (models.FetchResult, error)
}

// StealthStrategy runs the stealth crawl with a fresh session.
type StealthStrategy interface {
	Fetch(ctx context.Context, target models.FetchTarget, dst io.Writer) (models.FetchResult, error)
}

// BrowserStrategy runs one browser session. On failure it may return a Harvest
// for the handoff step.
type BrowserStrategy interface {
	Fetch(ctx context.Context, target models.FetchTarget, dst io.Writer) (browser.Harvest, models.FetchResult, error)
}

// HandoffStrategy retries the transfer over HTTP with a harvested browser session.
type HandoffStrategy interface {
	Transfer(ctx context.Context, h browser.Harvest, target models.FetchTarget, dst io.Writer) (models.FetchResult, error)
}

// stealthPerFetch builds a new Stealth client, and with it a new cookie jar and
// identity, for every fetch.
type stealthPerFetch struct {
	cfg *config.AppConfig
	log *logrus.Entry
}

func (s stealthPerFetch) Fetch(ctx context.Context, target models.FetchTarget, dst io.Writer) (models.FetchResult, error) {
	client, err := fetch.NewStealth(s.cfg.Stealth, s.cfg.Fetch, s.cfg.HTTPClientSettings, s.log)
	if err != nil {
		return models.FetchResult{}, err
	}
	return client.Download(ctx, fetch.StealthRequest{
		URL:       target.ImageURL,
		SourceURL: target.SourceURL,
	}, dst)
}
