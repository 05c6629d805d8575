package browser

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/fetch"
	"github.com/Sriram-PR/img-refetch/pkg/imaging"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/parse"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// Harvest is the session state a browser run leaves behind for the handoff.
type Harvest struct {
	Cookies   map[string]string
	UserAgent string
	FinalURL  string
	SourceURL string
	Seeds     []string
	Warmups   []string
}

// Session converts the harvest into a request identity.
func (h Harvest) Session() models.Session {
	return models.Session{Cookies: h.Cookies, UserAgent: h.UserAgent}.Clone()
}

// Driver runs the browser steps against one tab.
type Driver struct {
	cfg     config.BrowserConfig
	maxSize int64
	log     *logrus.Entry
}

// NewDriver creates a Driver.
func NewDriver(cfg config.BrowserConfig, fetchCfg config.FetchConfig, log *logrus.Entry) *Driver {
	return &Driver{cfg: cfg, maxSize: fetchCfg.MaxImageSizeBytes, log: log.WithField("component", "browser")}
}

// WaitOutChallenge polls tab content until no challenge indicator is present or
// rounds are used up. It reports whether the page is clear. An empty or
// unreadable page counts as clear.
func WaitOutChallenge(ctx context.Context, tab Tab, rounds int, interval time.Duration) bool {
	if rounds < 1 {
		rounds = 1
	}
	for i := 0; i < rounds; i++ {
		content, err := tab.Content()
		if err != nil || content == "" || !fetch.IsChallengePage(content) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	content, err := tab.Content()
	return err != nil || !fetch.IsChallengePage(content)
}

// Run loads the warmup pages and the image in tab and tries to capture a valid
// image without leaving the browser. On success the bytes are written to dst.
// On failure the returned Harvest carries cookies, user agent and the URLs seen,
// ready for a handoff; the error wraps utils.ErrChallenge when a challenge never
// cleared, otherwise utils.ErrNoCandidate.
func (d *Driver) Run(ctx context.Context, tab Tab, target models.FetchTarget, dst io.Writer) (Harvest, models.FetchResult, error) {
	url := target.ImageURL
	base := ""
	if origin := parse.Origin(url); origin != "" {
		base = origin + "/"
	}
	log := d.log.WithField("url", url)

	var warmTargets []string
	if target.SourceURL != "" {
		warmTargets = append(warmTargets, target.SourceURL)
	}
	if base != "" && base != target.SourceURL {
		warmTargets = append(warmTargets, base)
	}

	for _, warm := range warmTargets {
		if _, err := tab.Goto(ctx, warm, d.cfg.NavigationTimeout); err != nil {
			if ctx.Err() != nil {
				return Harvest{}, models.FetchResult{}, ctx.Err()
			}
			log.WithFields(logrus.Fields{"warmup": warm, "error": err}).Debug("Warmup navigation failed")
			continue
		}
		WaitOutChallenge(ctx, tab, d.cfg.WarmRounds, d.cfg.PollInterval)
	}

	nav, err := tab.Goto(ctx, url, d.cfg.NavigationTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return Harvest{}, models.FetchResult{}, ctx.Err()
		}
		// A failed navigation still leaves a usable context for in-page requests.
		log.WithError(err).Debug("Image navigation failed")
	}
	cleared := WaitOutChallenge(ctx, tab, d.cfg.MainRounds, d.cfg.PollInterval)
	if ok, res := d.capture(nav, dst); ok {
		log.Info("Captured image from navigation response")
		return Harvest{}, res, nil
	}

	if err := tab.WaitIdle(d.cfg.IdleTimeout); err != nil {
		log.WithError(err).Debug("Network idle wait ended early")
	}

	reqURLs := []string{url}
	finalURL := strings.TrimSpace(tab.URL())
	if finalURL != "" && finalURL != url {
		reqURLs = append(reqURLs, finalURL)
	}
	for _, u := range reqURLs {
		if ctx.Err() != nil {
			return Harvest{}, models.FetchResult{}, ctx.Err()
		}
		f, err := tab.Get(ctx, u, d.cfg.RequestTimeout)
		if err != nil {
			log.WithFields(logrus.Fields{"request": u, "error": err}).Debug("In-context request failed")
			continue
		}
		if ok, res := d.capture(f, dst); ok {
			log.WithField("request", u).Info("Captured image from in-context request")
			return Harvest{}, res, nil
		}
	}

	for _, f := range tab.Observed() {
		if ok, res := d.capture(f, dst); ok {
			log.WithField("response", f.URL).Info("Captured image from observed response")
			return Harvest{}, res, nil
		}
	}

	imgURLs, err := tab.ImageSources(d.cfg.MaxImageElements)
	if err != nil {
		log.WithError(err).Debug("Listing image elements failed")
	}
	for _, u := range imgURLs {
		if ctx.Err() != nil {
			return Harvest{}, models.FetchResult{}, ctx.Err()
		}
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		f, err := tab.Get(ctx, u, d.cfg.RequestTimeout)
		if err != nil {
			continue
		}
		if ok, res := d.capture(f, dst); ok {
			log.WithField("request", u).Info("Captured image from page element")
			return Harvest{}, res, nil
		}
	}

	harvest := d.harvest(tab, target, base, reqURLs, imgURLs, warmTargets, finalURL)
	log.WithFields(logrus.Fields{
		"cookies": len(harvest.Cookies),
		"seeds":   len(harvest.Seeds),
		"cleared": cleared,
	}).Info("Browser could not capture image, harvested session")

	detail := navDetail(nav, finalURL)
	if !cleared {
		return harvest, models.FetchResult{}, fmt.Errorf("%w: %s", utils.ErrChallenge, detail)
	}
	return harvest, models.FetchResult{}, fmt.Errorf("%w: browser reached target but captured no image (%s)", utils.ErrNoCandidate, detail)
}

func (d *Driver) harvest(tab Tab, target models.FetchTarget, base string, reqURLs, imgURLs, warmTargets []string, finalURL string) Harvest {
	h := Harvest{FinalURL: finalURL, SourceURL: target.SourceURL}
	if h.SourceURL == "" {
		h.SourceURL = base
	}
	if ua, err := tab.UserAgent(); err == nil {
		h.UserAgent = ua
	}
	if cookies, err := tab.Cookies(); err == nil {
		h.Cookies = make(map[string]string, len(cookies))
		for name, value := range cookies {
			if name = strings.TrimSpace(name); name != "" {
				h.Cookies[name] = value
			}
		}
	}

	h.Seeds = append(h.Seeds, reqURLs...)
	for _, u := range imgURLs {
		if su := parse.NormalizeHTTPURL(u); su != "" && !contains(h.Seeds, su) {
			h.Seeds = append(h.Seeds, su)
		}
	}
	h.Warmups = append(h.Warmups, warmTargets...)
	if finalURL != "" && !contains(h.Warmups, finalURL) {
		h.Warmups = append(h.Warmups, finalURL)
	}
	return h
}

// capture validates f as an image and writes it to dst.
func (d *Driver) capture(f *Fetched, dst io.Writer) (bool, models.FetchResult) {
	if f == nil || !f.LooksLikeImage() {
		return false, models.FetchResult{}
	}
	body, err := f.Bytes()
	if err != nil || len(body) == 0 {
		return false, models.FetchResult{}
	}
	if d.maxSize > 0 && int64(len(body)) > d.maxSize {
		return false, models.FetchResult{}
	}
	if _, err := imaging.Validate(body); err != nil {
		d.log.WithFields(logrus.Fields{"response": f.URL, "error": err}).Debug("Browser response did not decode")
		return false, models.FetchResult{}
	}
	n, err := dst.Write(body)
	if err != nil {
		return false, models.FetchResult{}
	}
	return true, models.FetchResult{
		Strategy:    models.StrategyBrowser,
		ContentType: f.ContentType,
		FinalURL:    f.URL,
		Size:        int64(n),
	}
}

func navDetail(nav *Fetched, finalURL string) string {
	status, ct := "n/a", ""
	if nav != nil {
		status = fmt.Sprintf("%d", nav.Status)
		ct = nav.ContentType
	}
	return fmt.Sprintf("main request status=%s, content-type=%s, final_url=%s", status, ct, finalURL)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
