package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// launchArgs hides the automation flag most challenge scripts probe for.
var launchArgs = []string{"--disable-blink-features=AutomationControlled"}

// imageSourcesJS collects currentSrc/src of every <img>, resolved by the browser.
const imageSourcesJS = `(limit) => {
	const out = [];
	const seen = new Set();
	for (const img of Array.from(document.images || [])) {
		const src = img.currentSrc || img.src || "";
		if (!src || seen.has(src)) continue;
		seen.add(src);
		out.push(src);
		if (out.length >= limit) break;
	}
	return out;
}`

// PlaywrightLauncher starts browsers through playwright-go. Each instance runs
// its own driver process so that Close releases everything it started.
type PlaywrightLauncher struct {
	// RunOptions are passed to playwright.Run; nil uses the library defaults.
	RunOptions *playwright.RunOptions
}

// Launch implements Launcher.
func (l PlaywrightLauncher) Launch(channel string, headed bool) (Instance, error) {
	var opts []*playwright.RunOptions
	if l.RunOptions != nil {
		opts = append(opts, l.RunOptions)
	}
	pw, err := playwright.Run(opts...)
	if err != nil {
		return nil, fmt.Errorf("start playwright driver: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(!headed),
		Args:     launchArgs,
	}
	if channel != "" {
		launchOpts.Channel = playwright.String(channel)
	}
	b, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, err
	}
	return &pwInstance{pw: pw, browser: b, channel: channel}, nil
}

type pwInstance struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	channel string
}

func (i *pwInstance) Channel() string { return i.channel }

func (i *pwInstance) NewTab(opts TabOptions) (Tab, error) {
	ctxOpts := playwright.BrowserNewContextOptions{
		AcceptDownloads:   playwright.Bool(true),
		IgnoreHttpsErrors: playwright.Bool(opts.IgnoreHTTPSErrors),
	}
	if opts.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	if opts.Locale != "" {
		ctxOpts.Locale = playwright.String(opts.Locale)
	}
	if len(opts.ExtraHeaders) > 0 {
		ctxOpts.ExtraHttpHeaders = opts.ExtraHeaders
	}
	bctx, err := i.browser.NewContext(ctxOpts)
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	t := &pwTab{ctx: bctx, page: page}
	page.OnResponse(t.observe)
	return t, nil
}

func (i *pwInstance) Close() error {
	errBrowser := i.browser.Close()
	errStop := i.pw.Stop()
	return errors.Join(errBrowser, errStop)
}

type pwTab struct {
	ctx  playwright.BrowserContext
	page playwright.Page

	mu       sync.Mutex
	observed []*Fetched
}

func (t *pwTab) observe(resp playwright.Response) {
	f := fromResponse(resp)
	if !f.LooksLikeImage() || resp.Status() >= 400 {
		return
	}
	t.mu.Lock()
	t.observed = append(t.observed, f)
	t.mu.Unlock()
}

func fromResponse(resp playwright.Response) *Fetched {
	ct := resp.Headers()["content-type"]
	return NewFetched(resp.URL(), resp.Status(), ct, resp.Body)
}

func millis(d time.Duration) *float64 {
	return playwright.Float(float64(d / time.Millisecond))
}

func (t *pwTab) Goto(ctx context.Context, url string, timeout time.Duration) (*Fetched, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := t.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   millis(timeout),
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return fromResponse(resp), nil
}

func (t *pwTab) Content() (string, error) { return t.page.Content() }

func (t *pwTab) URL() string { return t.page.URL() }

func (t *pwTab) WaitIdle(timeout time.Duration) error {
	return t.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: millis(timeout),
	})
}

func (t *pwTab) Get(ctx context.Context, url string, timeout time.Duration) (*Fetched, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := t.page.Request().Get(url, playwright.APIRequestContextGetOptions{
		Timeout: millis(timeout),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Dispose() }()
	body, err := resp.Body()
	if err != nil {
		return nil, err
	}
	return &Fetched{
		URL:         resp.URL(),
		Status:      resp.Status(),
		ContentType: resp.Headers()["content-type"],
		Body:        body,
	}, nil
}

func (t *pwTab) Observed() []*Fetched {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Fetched(nil), t.observed...)
}

func (t *pwTab) ImageSources(limit int) ([]string, error) {
	raw, err := t.page.Evaluate(imageSourcesJS, limit)
	if err != nil {
		return nil, err
	}
	items, _ := raw.([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *pwTab) Cookies() (map[string]string, error) {
	cookies, err := t.ctx.Cookies()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out, nil
}

func (t *pwTab) UserAgent() (string, error) {
	v, err := t.page.Evaluate("() => navigator.userAgent")
	if err != nil {
		return "", err
	}
	ua, _ := v.(string)
	return ua, nil
}

func (t *pwTab) Close() error {
	return errors.Join(t.page.Close(), t.ctx.Close())
}
