package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/discover"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/parse"
	"github.com/Sriram-PR/img-refetch/pkg/queue"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// maxPageBytes bounds how much of a non-image response is read for mining.
const maxPageBytes = 4 << 20

// StealthRequest is one invocation of the stealth crawl.
type StealthRequest struct {
	URL       string   // image URL; the only seed when Seeds is empty
	SourceURL string   // page the image was found on, used as Referer and warmup
	Seeds     []string // tried first, in order
	Warmups   []string // extra pages visited before the crawl
}

// Stealth is an HTTP session that presents a desktop browser identity and, when
// the image URL does not answer with an image, crawls candidate URLs discovered
// in the pages it gets back.
//
// A Stealth value carries one Session and must not be shared between concurrent fetches.
type Stealth struct {
	cfg         config.StealthConfig
	fetchCfg    config.FetchConfig
	client      *http.Client
	session     models.Session
	discoverer  *discover.Discoverer
	robots      *RobotsCache
	clientBuilt bool
	log         *logrus.Entry
}

// StealthOption configures a Stealth client.
type StealthOption func(*Stealth)

// WithCookies injects cookies that are sent to every host.
func WithCookies(cookies map[string]string) StealthOption {
	return func(s *Stealth) {
		if len(cookies) == 0 {
			return
		}
		if s.session.Cookies == nil {
			s.session.Cookies = make(map[string]string, len(cookies))
		}
		for k, v := range cookies {
			if k = strings.TrimSpace(k); k != "" {
				s.session.Cookies[k] = v
			}
		}
	}
}

// WithUserAgent forces the user-agent instead of picking one from the rotation.
func WithUserAgent(ua string) StealthOption {
	return func(s *Stealth) {
		if ua = strings.TrimSpace(ua); ua != "" {
			s.session.UserAgent = ua
		}
	}
}

// WithExtraHeaders adds headers to every request, overriding the browser defaults.
func WithExtraHeaders(h map[string]string) StealthOption {
	return func(s *Stealth) {
		if len(h) == 0 {
			return
		}
		if s.session.ExtraHeaders == nil {
			s.session.ExtraHeaders = make(map[string]string, len(h))
		}
		for k, v := range h {
			s.session.ExtraHeaders[k] = v
		}
	}
}

// WithClient uses c instead of building a client. A nil Jar on c disables
// tracking of cookies set by responses.
func WithClient(c *http.Client) StealthOption {
	return func(s *Stealth) {
		if c != nil {
			s.client = c
			s.clientBuilt = true
		}
	}
}

// WithDiscoverer replaces the default candidate extractor.
func WithDiscoverer(d *discover.Discoverer) StealthOption {
	return func(s *Stealth) {
		if d != nil {
			s.discoverer = d
		}
	}
}

// NewStealth creates a Stealth client with a fresh cookie jar.
func NewStealth(cfg config.StealthConfig, fetchCfg config.FetchConfig, httpCfg config.HTTPClientConfig, log *logrus.Entry, opts ...StealthOption) (*Stealth, error) {
	s := &Stealth{
		cfg:      cfg,
		fetchCfg: fetchCfg,
		log:      log.WithField("strategy", models.StrategyStealth),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.session.UserAgent == "" {
		s.session.UserAgent = PickUserAgent(cfg.UserAgents)
	}
	if s.discoverer == nil {
		s.discoverer = discover.New(cfg.DiscoveryCap)
	}
	if !s.clientBuilt {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		s.client = NewClient(httpCfg, cfg.SkipsTLSVerify(), jar, s.log)
	}
	if cfg.RespectRobots {
		s.robots = NewRobotsCache(s.client, s.log)
	}
	return s, nil
}

// Session returns a copy of the identity this client presents.
func (s *Stealth) Session() models.Session {
	return s.session.Clone()
}

// headersFor builds the request headers for one URL.
func (s *Stealth) headersFor(target, referer string) http.Header {
	h := BrowserHeaders(target, HeaderProfile{
		UserAgent:      s.session.UserAgent,
		AcceptLanguage: s.cfg.AcceptLanguage,
		Referer:        referer,
	})
	h.Set("Accept-Encoding", AcceptEncoding)
	h.Set("Connection", "keep-alive")
	for k, v := range s.session.ExtraHeaders {
		h.Set(k, v)
	}
	return h
}

// get issues one GET. The request must produce response headers within
// headerTimeout; the returned cancel func must be called once the body is done.
// extend switches the deadline to the transfer timeout for the body.
func (s *Stealth) get(ctx context.Context, rawURL, referer string, headerTimeout time.Duration) (resp *http.Response, extend func(), cancel func(), err error) {
	reqCtx, cancelCtx := context.WithCancel(ctx)
	timer := time.AfterFunc(headerTimeout, cancelCtx)
	cancel = func() {
		timer.Stop()
		cancelCtx()
	}
	extend = func() {
		if timer.Stop() {
			transfer := s.fetchCfg.TransferTimeout
			if transfer <= 0 {
				transfer = 45 * time.Second
			}
			timer = time.AfterFunc(transfer, cancelCtx)
		}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	applyHeaders(req, s.headersFor(rawURL, referer))
	s.addInjectedCookies(req)

	resp, err = s.client.Do(req)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return resp, extend, cancel, nil
}

// addInjectedCookies sends injected cookies unless the jar already holds a cookie
// of the same name for this URL (a server-set value is newer).
func (s *Stealth) addInjectedCookies(req *http.Request) {
	if len(s.session.Cookies) == 0 {
		return
	}
	fromJar := make(map[string]bool)
	if s.client.Jar != nil {
		for _, c := range s.client.Jar.Cookies(req.URL) {
			fromJar[c.Name] = true
		}
	}
	for name, value := range s.session.Cookies {
		if !fromJar[name] {
			req.AddCookie(&http.Cookie{Name: name, Value: value})
		}
	}
}

func readPage(resp *http.Response) string {
	body, err := DecodeBody(resp)
	if err != nil {
		return ""
	}
	data, _ := io.ReadAll(io.LimitReader(body, maxPageBytes))
	return string(data)
}

// warm visits the warmup pages and returns the candidates they reveal.
func (s *Stealth) warm(ctx context.Context, pages []string) []string {
	timeout := s.cfg.WarmupTimeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	var out []string
	seen := make(map[string]bool)
	for _, page := range pages {
		if ctx.Err() != nil {
			break
		}
		resp, _, cancel, err := s.get(ctx, page, page, timeout)
		if err != nil {
			s.log.WithFields(logrus.Fields{"warmup": page, "error": err}).Debug("Warmup request failed")
			continue
		}
		if !IsImageContentType(resp.Header.Get("Content-Type")) {
			final := parse.NormalizeHTTPURL(resp.Request.URL.String())
			if final == "" {
				final = page
			}
			for _, c := range s.discoverer.Extract(readPage(resp), final) {
				if !seen[c] {
					seen[c] = true
					out = append(out, c)
				}
			}
		}
		resp.Body.Close()
		cancel()
	}
	return out
}

// crawlFailure accumulates per-candidate errors for the aggregated failure.
type crawlFailure struct {
	samples    []string
	total      int
	challenge  bool
	httpStatus error
	lastErr    error
}

func (f *crawlFailure) add(msg string) {
	f.total++
	f.samples = append(f.samples, msg)
}

func (f *crawlFailure) err(limit int) error {
	if f.total == 0 {
		return fmt.Errorf("%w: stealth crawl found no downloadable image", utils.ErrNoCandidate)
	}
	if limit <= 0 {
		limit = 6
	}
	shown := f.samples
	if len(shown) > limit {
		shown = shown[:limit]
	}
	msg := strings.Join(shown, "; ")
	if f.total > len(shown) {
		msg = fmt.Sprintf("%s (+%d more)", msg, f.total-len(shown))
	}
	switch {
	case f.challenge:
		return fmt.Errorf("%w: stealth crawl failed: %s", utils.ErrChallenge, msg)
	case f.httpStatus != nil:
		return fmt.Errorf("stealth crawl failed: %s: %w", msg, f.httpStatus)
	case f.lastErr != nil:
		return fmt.Errorf("stealth crawl failed: %s: %w", msg, f.lastErr)
	}
	return fmt.Errorf("%w: stealth crawl failed: %s", utils.ErrNoCandidate, msg)
}

// Download runs the stealth crawl and streams the first image-typed response to dst.
//
// Warmup pages (the source page, or the image's origin, plus req.Warmups) are
// visited first and mined for candidates. The queue holds the seeds followed by
// those candidates; pages and error pages returned during the crawl are mined for
// more. No URL is requested twice and at most StealthConfig.CandidateCap URLs are
// requested in total.
func (s *Stealth) Download(ctx context.Context, req StealthRequest, dst io.Writer) (models.FetchResult, error) {
	imageURL := parse.NormalizeHTTPURL(req.URL)
	if imageURL == "" {
		return models.FetchResult{}, fmt.Errorf("%w: %q", utils.ErrInvalidURL, req.URL)
	}
	source := parse.NormalizeHTTPURL(req.SourceURL)
	base := ""
	if origin := parse.Origin(imageURL); origin != "" {
		base = origin + "/"
	}
	referer := source
	if referer == "" {
		referer = base
	}

	// --- Warmup ---
	var warmList []string
	addWarm := func(u string) {
		if u == "" {
			return
		}
		for _, w := range warmList {
			if w == u {
				return
			}
		}
		warmList = append(warmList, u)
	}
	if source != "" {
		addWarm(source)
	} else {
		addWarm(base)
	}
	for _, w := range req.Warmups {
		addWarm(parse.NormalizeHTTPURL(w))
	}
	warmCandidates := s.warm(ctx, warmList)

	// --- Queue ---
	q := queue.NewCandidateQueue(s.cfg.CandidateCap)
	for _, seed := range req.Seeds {
		q.Push(parse.NormalizeHTTPURL(seed))
	}
	if q.Len() == 0 {
		q.Push(imageURL)
	}
	q.PushAll(warmCandidates)

	log := s.log.WithFields(logrus.Fields{"url": imageURL, "queued": q.Len(), "warmups": len(warmList)})
	log.Debug("Starting stealth crawl")

	probeTimeout := s.cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 15 * time.Second
	}

	failure := &crawlFailure{}
	for {
		if err := ctx.Err(); err != nil {
			return models.FetchResult{}, fmt.Errorf("stealth crawl interrupted after %d requests: %w", q.VisitedCount(), err)
		}
		cand, ok := q.Pop()
		if !ok {
			break
		}

		resp, extend, cancel, err := s.get(ctx, cand, referer, probeTimeout)
		if err != nil {
			failure.lastErr = err
			failure.add(fmt.Sprintf("%s: %s", cand, utils.ShortError(err.Error(), 160)))
			continue
		}

		final := parse.NormalizeHTTPURL(resp.Request.URL.String())
		if final == "" {
			final = cand
		}
		if final != cand {
			q.MarkVisited(final)
		}
		ct := resp.Header.Get("Content-Type")

		if resp.StatusCode >= 400 {
			failure.add(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, final))
			sentinel := utils.ErrClientHTTPError
			if resp.StatusCode >= 500 {
				sentinel = utils.ErrServerHTTPError
			}
			failure.httpStatus = fmt.Errorf("%w: status %d", sentinel, resp.StatusCode)
			// Error pages sometimes carry the real image link
			if IsHTMLContentType(ct) {
				page := readPage(resp)
				if IsChallengePage(page) {
					failure.challenge = true
				}
				q.PushAll(s.discoverer.Extract(page, final))
			}
			resp.Body.Close()
			cancel()
			continue
		}

		if IsImageContentType(ct) || discover.IsImageURL(final) {
			extend()
			result, err := s.stream(resp, dst)
			resp.Body.Close()
			cancel()
			if err != nil {
				return models.FetchResult{}, err
			}
			result.FinalURL = final
			result.ContentType = ct
			log.WithFields(logrus.Fields{"final_url": final, "visited": q.VisitedCount(), "bytes": result.Size}).Info("Stealth crawl found image")
			return result, nil
		}

		page := readPage(resp)
		resp.Body.Close()
		cancel()
		if IsChallengePage(page) {
			failure.challenge = true
			failure.add(fmt.Sprintf("challenge page: %s", final))
		}
		added := q.PushAll(s.discoverer.Extract(page, final))
		log.WithFields(logrus.Fields{"page": final, "added": added}).Debug("Mined non-image response")
	}

	err := failure.err(s.cfg.SampleErrors)
	log.WithFields(logrus.Fields{"visited": q.VisitedCount(), "error": err}).Warn("Stealth crawl exhausted")
	return models.FetchResult{}, err
}

func (s *Stealth) stream(resp *http.Response, dst io.Writer) (models.FetchResult, error) {
	body, err := DecodeBody(resp)
	if err != nil {
		return models.FetchResult{}, err
	}
	defer body.Close()
	n, err := copyLimited(dst, body, s.fetchCfg.MaxImageSizeBytes)
	if err != nil {
		return models.FetchResult{}, err
	}
	return models.FetchResult{Strategy: models.StrategyStealth, Size: n}, nil
}

// PageCandidates is what Discover found on one page.
type PageCandidates struct {
	URL        string   `json:"url"`
	FinalURL   string   `json:"final_url"`
	Status     int      `json:"status"`
	Challenge  bool     `json:"challenge"`
	Candidates []string `json:"candidates"`
}

// Discover loads pageURL with this session and lists the image candidates in it.
// A page that is itself an image yields that URL as the only candidate.
func (s *Stealth) Discover(ctx context.Context, pageURL string) (PageCandidates, error) {
	page := parse.NormalizeHTTPURL(pageURL)
	if page == "" {
		return PageCandidates{}, fmt.Errorf("%w: %q", utils.ErrInvalidURL, pageURL)
	}
	if s.robots != nil {
		if u, err := url.Parse(page); err == nil && !s.robots.Allowed(ctx, u, s.session.UserAgent) {
			return PageCandidates{URL: page}, fmt.Errorf("%w: %s", utils.ErrRobots, page)
		}
	}
	timeout := s.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	resp, _, cancel, err := s.get(ctx, page, page, timeout)
	if err != nil {
		return PageCandidates{URL: page}, err
	}
	defer cancel()
	defer resp.Body.Close()

	out := PageCandidates{URL: page, FinalURL: resp.Request.URL.String(), Status: resp.StatusCode}
	if IsImageContentType(resp.Header.Get("Content-Type")) {
		out.Candidates = []string{out.FinalURL}
		return out, nil
	}
	body := readPage(resp)
	out.Challenge = IsChallengePage(body)
	out.Candidates = s.discoverer.Extract(body, out.FinalURL)
	s.log.WithFields(logrus.Fields{"page": page, "status": out.Status, "candidates": len(out.Candidates)}).Debug("Page discovered")
	return out, nil
}
