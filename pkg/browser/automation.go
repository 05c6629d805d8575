package browser

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/fetch"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// Automation acquires a browser per fetch, runs the driver and always releases
// the browser before returning.
type Automation struct {
	launcher Launcher
	cfg      config.BrowserConfig
	identity config.StealthConfig
	driver   *Driver
	log      *logrus.Entry
}

// NewAutomation creates an Automation. A nil launcher selects PlaywrightLauncher.
func NewAutomation(launcher Launcher, cfg *config.AppConfig, log *logrus.Entry) *Automation {
	if launcher == nil {
		launcher = PlaywrightLauncher{}
	}
	return &Automation{
		launcher: launcher,
		cfg:      cfg.Browser,
		identity: cfg.Stealth,
		driver:   NewDriver(cfg.Browser, cfg.Fetch, log),
		log:      log.WithField("component", "browser"),
	}
}

// tabOptions mirrors the identity the HTTP strategies present. Accept and Origin
// are left to the browser since they differ per resource type.
func (a *Automation) tabOptions(target models.FetchTarget) TabOptions {
	h := fetch.BrowserHeaders(target.ImageURL, fetch.HeaderProfile{
		UserAgent:      fetch.PickUserAgent(a.identity.UserAgents),
		AcceptLanguage: a.identity.AcceptLanguage,
		Referer:        target.SourceURL,
	})
	extra := make(map[string]string)
	for name := range h {
		switch name {
		case "User-Agent", "Accept", "Origin":
			continue
		}
		extra[name] = h.Get(name)
	}
	return TabOptions{
		UserAgent:         h.Get("User-Agent"),
		Locale:            a.cfg.Locale,
		ExtraHeaders:      extra,
		IgnoreHTTPSErrors: a.identity.SkipsTLSVerify(),
	}
}

// Fetch runs one browser session for target. See Driver.Run for the meaning of
// the returned Harvest.
func (a *Automation) Fetch(ctx context.Context, target models.FetchTarget, dst io.Writer) (Harvest, models.FetchResult, error) {
	handle, err := Acquire(ctx, a.launcher, a.cfg, a.log)
	if err != nil {
		return Harvest{}, models.FetchResult{}, err
	}
	defer func() { _ = handle.Release() }()

	tab, err := handle.NewTab(a.tabOptions(target))
	if err != nil {
		return Harvest{}, models.FetchResult{}, fmt.Errorf("%w: open tab on %s: %v", utils.ErrBrowserLaunch, ChannelLabel(handle.Channel()), err)
	}
	return a.driver.Run(ctx, tab, target, dst)
}
