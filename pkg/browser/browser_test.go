package browser

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

const challengeHTML = "<html><title>Just a moment...</title>Checking your browser</html>"

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 3))
	img.Set(1, 1, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testConfig() *config.AppConfig {
	cfg := config.DefaultConfig()
	cfg.Browser.PollInterval = time.Millisecond
	return cfg
}

// fakeTab scripts page behaviour and records every call in order.
type fakeTab struct {
	mu       sync.Mutex
	calls    []string
	url      string
	nav      map[string]*Fetched
	gets     map[string]*Fetched
	contents []string // consumed one per Content call; last value repeats
	observed []*Fetched
	images   []string
	cookies  map[string]string
	ua       string
	closed   bool
}

func (f *fakeTab) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeTab) Goto(_ context.Context, url string, _ time.Duration) (*Fetched, error) {
	f.record("goto " + url)
	f.url = url
	return f.nav[url], nil
}

func (f *fakeTab) Content() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.contents) == 0 {
		return "<html>ok</html>", nil
	}
	c := f.contents[0]
	if len(f.contents) > 1 {
		f.contents = f.contents[1:]
	}
	return c, nil
}

func (f *fakeTab) URL() string { return f.url }

func (f *fakeTab) WaitIdle(time.Duration) error { return nil }

func (f *fakeTab) Get(_ context.Context, url string, _ time.Duration) (*Fetched, error) {
	f.record("get " + url)
	if r, ok := f.gets[url]; ok {
		return r, nil
	}
	return &Fetched{URL: url, Status: 403, ContentType: "text/html", Body: []byte("denied")}, nil
}

func (f *fakeTab) Observed() []*Fetched { return f.observed }

func (f *fakeTab) ImageSources(limit int) ([]string, error) {
	if len(f.images) > limit {
		return f.images[:limit], nil
	}
	return f.images, nil
}

func (f *fakeTab) Cookies() (map[string]string, error) { return f.cookies, nil }

func (f *fakeTab) UserAgent() (string, error) { return f.ua, nil }

func (f *fakeTab) Close() error {
	f.closed = true
	return nil
}

type fakeInstance struct {
	channel string
	tab     *fakeTab
	closed  int
}

func (i *fakeInstance) NewTab(TabOptions) (Tab, error) { return i.tab, nil }
func (i *fakeInstance) Channel() string                { return i.channel }
func (i *fakeInstance) Close() error {
	i.closed++
	return nil
}

type fakeLauncher struct {
	fail     map[string]error
	tab      *fakeTab
	attempts []string
	inst     *fakeInstance
}

func (l *fakeLauncher) Launch(channel string, _ bool) (Instance, error) {
	l.attempts = append(l.attempts, ChannelLabel(channel))
	if err := l.fail[channel]; err != nil {
		return nil, err
	}
	l.inst = &fakeInstance{channel: channel, tab: l.tab}
	return l.inst, nil
}

func TestAcquire_ChannelFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Browser.Channel = "msedge"
	l := &fakeLauncher{fail: map[string]error{
		"msedge": errors.New("not installed"),
		"chrome": errors.New("no executable"),
	}}

	h, err := Acquire(context.Background(), l, cfg.Browser, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"msedge", "chrome", "chromium"}, l.attempts)
	assert.Equal(t, "", h.Channel())
	require.NoError(t, h.Release())
}

func TestAcquire_AllChannelsFail(t *testing.T) {
	cfg := testConfig()
	l := &fakeLauncher{fail: map[string]error{
		"chrome": errors.New("boom chrome"),
		"msedge": errors.New("boom edge"),
		"":       errors.New("boom bundled"),
	}}

	_, err := Acquire(context.Background(), l, cfg.Browser, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrBrowserLaunch)
	assert.Equal(t, models.KindBrowserLaunch, models.KindOf(err))
	assert.Contains(t, err.Error(), "chrome: boom chrome | msedge: boom edge | chromium: boom bundled")
}

func TestHandle_ReleaseIsIdempotent(t *testing.T) {
	tab := &fakeTab{}
	l := &fakeLauncher{tab: tab}
	h, err := Acquire(context.Background(), l, testConfig().Browser, testLogger())
	require.NoError(t, err)
	_, err = h.NewTab(TabOptions{})
	require.NoError(t, err)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())
	assert.Equal(t, 1, l.inst.closed)
	assert.True(t, tab.closed)

	_, err = h.NewTab(TabOptions{})
	assert.Error(t, err)
}

func TestWaitOutChallenge(t *testing.T) {
	ctx := context.Background()

	t.Run("clears within rounds", func(t *testing.T) {
		tab := &fakeTab{contents: []string{challengeHTML, challengeHTML, "<html>photo</html>"}}
		assert.True(t, WaitOutChallenge(ctx, tab, 4, time.Millisecond))
	})
	t.Run("persists", func(t *testing.T) {
		tab := &fakeTab{contents: []string{challengeHTML}}
		assert.False(t, WaitOutChallenge(ctx, tab, 2, time.Millisecond))
	})
	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		tab := &fakeTab{contents: []string{challengeHTML}}
		assert.False(t, WaitOutChallenge(cctx, tab, 10, time.Hour))
	})
}

func TestDriver_CapturesNavigationResponse(t *testing.T) {
	img := testPNG(t)
	tab := &fakeTab{nav: map[string]*Fetched{
		"https://example.com/a.png": {URL: "https://example.com/a.png", Status: 200, ContentType: "image/png", Body: img},
	}}
	cfg := testConfig()
	d := NewDriver(cfg.Browser, cfg.Fetch, testLogger())
	target := models.FetchTarget{ImageURL: "https://example.com/a.png", Domain: "example.com"}

	var buf bytes.Buffer
	_, res, err := d.Run(context.Background(), tab, target, &buf)
	require.NoError(t, err)
	assert.Equal(t, img, buf.Bytes())
	assert.Equal(t, models.StrategyBrowser, res.Strategy)
	assert.Equal(t, []string{"goto https://example.com/", "goto https://example.com/a.png"}, tab.calls)
}

func TestDriver_StepOrder(t *testing.T) {
	img := testPNG(t)
	const imgURL = "https://example.gov.cn/photo.jpg"
	tab := &fakeTab{
		contents: []string{challengeHTML, "<html>ok</html>"},
		observed: []*Fetched{{URL: "https://example.gov.cn/broken.jpg", Status: 200, ContentType: "image/jpeg", Body: []byte("junk")}},
		images:   []string{"https://example.gov.cn/thumb.jpg", "https://example.gov.cn/real.jpg"},
		gets: map[string]*Fetched{
			"https://example.gov.cn/real.jpg": {URL: "https://example.gov.cn/real.jpg", Status: 200, ContentType: "image/png", Body: img},
		},
	}
	cfg := testConfig()
	d := NewDriver(cfg.Browser, cfg.Fetch, testLogger())
	target := models.FetchTarget{ImageURL: imgURL, SourceURL: "https://example.gov.cn/news/1.html", Domain: "example.gov.cn"}

	var buf bytes.Buffer
	_, res, err := d.Run(context.Background(), tab, target, &buf)
	require.NoError(t, err)
	assert.Equal(t, "https://example.gov.cn/real.jpg", res.FinalURL)
	assert.Equal(t, []string{
		"goto https://example.gov.cn/news/1.html",
		"goto https://example.gov.cn/",
		"goto " + imgURL,
		"get " + imgURL,
		"get https://example.gov.cn/thumb.jpg",
		"get https://example.gov.cn/real.jpg",
	}, tab.calls)
}

func TestDriver_HarvestsOnFailure(t *testing.T) {
	const imgURL = "https://example.gov.cn/photo.jpg"
	tab := &fakeTab{
		images:  []string{"https://example.gov.cn/a.jpg", "not a url"},
		cookies: map[string]string{"jsluid": "abc123", " ": "skip"},
		ua:      "Mozilla/5.0 RealBrowser",
	}
	cfg := testConfig()
	d := NewDriver(cfg.Browser, cfg.Fetch, testLogger())
	target := models.FetchTarget{ImageURL: imgURL, Domain: "example.gov.cn"}

	var buf bytes.Buffer
	h, _, err := d.Run(context.Background(), tab, target, &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrNoCandidate)
	assert.Zero(t, buf.Len())

	assert.Equal(t, map[string]string{"jsluid": "abc123"}, h.Cookies)
	assert.Equal(t, "Mozilla/5.0 RealBrowser", h.UserAgent)
	assert.Equal(t, "https://example.gov.cn/", h.SourceURL)
	assert.Equal(t, []string{imgURL, "https://example.gov.cn/a.jpg"}, h.Seeds)
	assert.Equal(t, []string{"https://example.gov.cn/", imgURL}, h.Warmups)
	assert.Equal(t, "abc123", h.Session().Cookies["jsluid"])
}

func TestDriver_ChallengeNeverClears(t *testing.T) {
	tab := &fakeTab{contents: []string{challengeHTML}}
	cfg := testConfig()
	cfg.Browser.MainRounds = 2
	cfg.Browser.WarmRounds = 1
	d := NewDriver(cfg.Browser, cfg.Fetch, testLogger())

	_, _, err := d.Run(context.Background(), tab, models.FetchTarget{ImageURL: "https://example.com/x.jpg"}, io.Discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrChallenge)
	assert.Contains(t, err.Error(), "final_url=https://example.com/x.jpg")
}

func TestAutomation_ReleasesBrowser(t *testing.T) {
	tab := &fakeTab{}
	l := &fakeLauncher{tab: tab}
	cfg := testConfig()
	a := NewAutomation(l, cfg, testLogger())

	_, _, err := a.Fetch(context.Background(), models.FetchTarget{ImageURL: "https://example.com/x.jpg"}, io.Discard)
	require.Error(t, err)
	require.NotNil(t, l.inst)
	assert.Equal(t, 1, l.inst.closed)
	assert.True(t, tab.closed)
}

func TestAutomation_TabOptions(t *testing.T) {
	cfg := testConfig()
	a := NewAutomation(&fakeLauncher{}, cfg, testLogger())
	opts := a.tabOptions(models.FetchTarget{ImageURL: "https://example.com/x.jpg", SourceURL: "https://example.com/page"})

	assert.Equal(t, "zh-CN", opts.Locale)
	assert.True(t, opts.IgnoreHTTPSErrors)
	assert.NotEmpty(t, opts.UserAgent)
	assert.Equal(t, "https://example.com/page", opts.ExtraHeaders["Referer"])
	_, hasUA := opts.ExtraHeaders["User-Agent"]
	assert.False(t, hasUA)
	assert.True(t, strings.HasPrefix(opts.ExtraHeaders["Accept-Language"], "zh-CN"))
}

func TestFetched_LooksLikeImage(t *testing.T) {
	assert.True(t, (&Fetched{ContentType: "image/webp"}).LooksLikeImage())
	assert.True(t, (&Fetched{URL: "https://x.com/a.JPG?x=1"}).LooksLikeImage())
	assert.False(t, (&Fetched{URL: "https://x.com/a.html", ContentType: "text/html"}).LooksLikeImage())
	var nilF *Fetched
	assert.False(t, nilF.LooksLikeImage())
}
