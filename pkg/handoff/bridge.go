// Package handoff moves a browser session into the stealth HTTP client so the
// final transfer runs over plain HTTP with the browser's credentials.
package handoff

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/browser"
	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/fetch"
	"github.com/Sriram-PR/img-refetch/pkg/models"
)

// Bridge builds a fresh stealth client per transfer from a browser harvest.
type Bridge struct {
	cfg  *config.AppConfig
	opts []fetch.StealthOption
	log  *logrus.Entry
}

// New creates a Bridge. extra options are applied after the harvested session.
func New(cfg *config.AppConfig, log *logrus.Entry, extra ...fetch.StealthOption) *Bridge {
	return &Bridge{cfg: cfg, opts: extra, log: log.WithField("component", "handoff")}
}

// Transfer runs the stealth crawl for target with the harvest's cookies and user
// agent, seeding the queue with the harvest's URLs.
func (b *Bridge) Transfer(ctx context.Context, h browser.Harvest, target models.FetchTarget, dst io.Writer) (models.FetchResult, error) {
	session := h.Session()
	opts := []fetch.StealthOption{
		fetch.WithCookies(session.Cookies),
		fetch.WithUserAgent(session.UserAgent),
	}
	opts = append(opts, b.opts...)

	client, err := fetch.NewStealth(b.cfg.Stealth, b.cfg.Fetch, b.cfg.HTTPClientSettings, b.log, opts...)
	if err != nil {
		return models.FetchResult{}, err
	}

	source := h.SourceURL
	if source == "" {
		source = target.SourceURL
	}
	b.log.WithFields(logrus.Fields{
		"url":     target.ImageURL,
		"cookies": len(session.Cookies),
		"seeds":   len(h.Seeds),
		"warmups": len(h.Warmups),
	}).Info("Handing browser session to stealth client")

	res, err := client.Download(ctx, fetch.StealthRequest{
		URL:       target.ImageURL,
		SourceURL: source,
		Seeds:     h.Seeds,
		Warmups:   h.Warmups,
	}, dst)
	if err != nil {
		return models.FetchResult{}, err
	}
	res.Strategy = models.StrategyHandoff
	return res, nil
}
