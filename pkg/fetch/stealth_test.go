package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/discover"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for x := 0; x < 4; x++ {
		img.Set(x, 1, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testStealthConfig() *config.AppConfig {
	cfg := config.DefaultConfig()
	cfg.Stealth.WarmupTimeout = 2 * time.Second
	cfg.Stealth.ProbeTimeout = 2 * time.Second
	cfg.Fetch.TransferTimeout = 5 * time.Second
	return cfg
}

func newTestStealth(t *testing.T, cfg *config.AppConfig, opts ...StealthOption) *Stealth {
	t.Helper()
	s, err := NewStealth(cfg.Stealth, cfg.Fetch, cfg.HTTPClientSettings, testLogger(), opts...)
	require.NoError(t, err)
	return s
}

// pathRecorder records request paths in arrival order.
type pathRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *pathRecorder) add(p string) {
	r.mu.Lock()
	r.paths = append(r.paths, p)
	r.mu.Unlock()
}

func (r *pathRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func (r *pathRecorder) count(pred func(string) bool) int {
	n := 0
	for _, p := range r.list() {
		if pred(p) {
			n++
		}
	}
	return n
}

func TestStealth_DirectImageHit(t *testing.T) {
	pngData := testPNG(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/photo.png" {
			w.Header().Set("Content-Type", "image/png")
			w.Write(pngData)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>home</body></html>")
	}))
	t.Cleanup(server.Close)

	s := newTestStealth(t, testStealthConfig())
	var dst bytes.Buffer
	result, err := s.Download(context.Background(), StealthRequest{URL: server.URL + "/photo.png"}, &dst)
	require.NoError(t, err)

	assert.Equal(t, pngData, dst.Bytes())
	assert.Equal(t, server.URL+"/photo.png", result.FinalURL)
	assert.Equal(t, "image/png", result.ContentType)
	assert.Equal(t, int64(len(pngData)), result.Size)
}

func TestStealth_WarmupCandidatesFollowSeeds(t *testing.T) {
	pngData := testPNG(t)
	rec := &pathRecorder{}
	var referers sync.Map

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.URL.Path)
		referers.Store(r.URL.Path, r.Header.Get("Referer"))
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, `<html><head><meta property="og:image" content="/real.jpg"></head></html>`)
		case "/photo.jpg":
			http.Error(w, "gone", http.StatusNotFound)
		case "/real.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write(pngData)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	s := newTestStealth(t, testStealthConfig())
	var dst bytes.Buffer
	result, err := s.Download(context.Background(), StealthRequest{
		URL:       server.URL + "/photo.jpg",
		SourceURL: server.URL + "/article",
	}, &dst)
	require.NoError(t, err)

	assert.Equal(t, server.URL+"/real.jpg", result.FinalURL)
	assert.Equal(t, []string{"/article", "/photo.jpg", "/real.jpg"}, rec.list())
	ref, _ := referers.Load("/real.jpg")
	assert.Equal(t, server.URL+"/article", ref, "candidates carry the source page as Referer")
}

func TestStealth_MinesErrorPages(t *testing.T) {
	pngData := testPNG(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html></html>")
		case "/old.jpg":
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `<html><body>moved: <a href="/new/photo.png">/new/photo.png</a></body></html>`)
		case "/new/photo.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(pngData)
		}
	}))
	t.Cleanup(server.Close)

	s := newTestStealth(t, testStealthConfig())
	var dst bytes.Buffer
	result, err := s.Download(context.Background(), StealthRequest{URL: server.URL + "/old.jpg"}, &dst)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/new/photo.png", result.FinalURL)
	assert.Equal(t, pngData, dst.Bytes())
}

func TestStealth_BoundedCrawl(t *testing.T) {
	rec := &pathRecorder{}
	var farm strings.Builder
	farm.WriteString("<html><body>")
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&farm, "<img src=\"/farm/%d.jpg\">", i)
	}
	farm.WriteString("</body></html>")
	page := farm.String()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.URL.Path)
		w.Header().Set("Content-Type", "text/html")
		if strings.HasPrefix(r.URL.Path, "/farm/") || r.URL.Path == "/target.jpg" {
			w.WriteHeader(http.StatusForbidden)
		}
		fmt.Fprint(w, page)
	}))
	t.Cleanup(server.Close)

	cfg := testStealthConfig()
	s := newTestStealth(t, cfg)
	var dst bytes.Buffer
	_, err := s.Download(context.Background(), StealthRequest{URL: server.URL + "/target.jpg"}, &dst)
	require.Error(t, err)

	crawled := rec.count(func(p string) bool { return p != "/" })
	assert.LessOrEqual(t, crawled, cfg.Stealth.CandidateCap)
	assert.Equal(t, cfg.Stealth.CandidateCap, crawled, "crawl should use the whole budget")
	assert.LessOrEqual(t, strings.Count(err.Error(), "HTTP 403"), cfg.Stealth.SampleErrors)
	assert.Contains(t, err.Error(), "more)")
	assert.True(t, errors.Is(err, utils.ErrClientHTTPError))
	assert.Zero(t, dst.Len())

	seen := make(map[string]bool)
	for _, p := range rec.list() {
		if p == "/" {
			continue
		}
		assert.False(t, seen[p], "URL %s requested twice", p)
		seen[p] = true
	}
}

func TestStealth_ChallengePage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><title>Just a moment...</title><body>Checking your browser</body></html>")
	}))
	t.Cleanup(server.Close)

	s := newTestStealth(t, testStealthConfig())
	_, err := s.Download(context.Background(), StealthRequest{URL: server.URL + "/img"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrChallenge), "got %v", err)
}

func TestStealth_NothingFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>nothing here</body></html>")
	}))
	t.Cleanup(server.Close)

	s := newTestStealth(t, testStealthConfig())
	_, err := s.Download(context.Background(), StealthRequest{URL: server.URL + "/img"}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, utils.ErrNoCandidate), "got %v", err)
}

func TestStealth_InjectedSession(t *testing.T) {
	pngData := testPNG(t)
	const ua = "Mozilla/5.0 HarvestedBrowser/1.0"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("jsluid")
		if err != nil || c.Value != "abc123" || r.UserAgent() != ua {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if r.Header.Get("X-Requested-With") != "img-refetch" {
			http.Error(w, "missing header", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData)
	}))
	t.Cleanup(server.Close)

	s := newTestStealth(t, testStealthConfig(),
		WithCookies(map[string]string{"jsluid": "abc123", " ": "dropped"}),
		WithUserAgent(ua),
		WithExtraHeaders(map[string]string{"X-Requested-With": "img-refetch"}),
	)
	session := s.Session()
	assert.Equal(t, ua, session.UserAgent)
	assert.Equal(t, map[string]string{"jsluid": "abc123"}, session.Cookies)

	var dst bytes.Buffer
	_, err := s.Download(context.Background(), StealthRequest{URL: server.URL + "/photo.png"}, &dst)
	require.NoError(t, err)
	assert.Equal(t, pngData, dst.Bytes())
}

func TestStealth_BrotliBody(t *testing.T) {
	pngData := testPNG(t)
	var compressed bytes.Buffer
	bw := brotli.NewWriter(&compressed)
	_, _ = bw.Write(pngData)
	require.NoError(t, bw.Close())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
			http.Error(w, "expected br", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Encoding", "br")
		w.Write(compressed.Bytes())
	}))
	t.Cleanup(server.Close)

	s := newTestStealth(t, testStealthConfig())
	var dst bytes.Buffer
	_, err := s.Download(context.Background(), StealthRequest{URL: server.URL + "/photo.png"}, &dst)
	require.NoError(t, err)
	assert.Equal(t, pngData, dst.Bytes())
}

func TestStealth_InvalidURL(t *testing.T) {
	s := newTestStealth(t, testStealthConfig())
	_, err := s.Download(context.Background(), StealthRequest{URL: "/relative.jpg"}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, utils.ErrInvalidURL))
}

func TestStealth_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTestStealth(t, testStealthConfig())
	_, err := s.Download(ctx, StealthRequest{URL: server.URL + "/photo.png"}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStealth_Discover(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/photo.png" {
			w.Header().Set("Content-Type", "image/png")
			w.Write(testPNG(t))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><meta property="og:image" content="/og.jpg"></head><body><img src="/people/zhang.jpg"></body></html>`)
	}))
	t.Cleanup(server.Close)

	s := newTestStealth(t, testStealthConfig())
	page, err := s.Discover(context.Background(), server.URL+"/profile")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.Status)
	assert.False(t, page.Challenge)
	assert.Contains(t, page.Candidates, server.URL+"/og.jpg")
	assert.Contains(t, page.Candidates, server.URL+"/people/zhang.jpg")

	page, err = s.Discover(context.Background(), server.URL+"/photo.png")
	require.NoError(t, err)
	assert.Equal(t, []string{server.URL + "/photo.png"}, page.Candidates)

	_, err = s.Discover(context.Background(), "javascript:void(0)")
	assert.ErrorIs(t, err, utils.ErrInvalidURL)
}

func TestStealth_DiscoverRespectsRobots(t *testing.T) {
	var robotsHits int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			mu.Lock()
			robotsHits++
			mu.Unlock()
			fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><img src="/a.jpg"></body></html>`)
	}))
	t.Cleanup(server.Close)

	cfg := testStealthConfig()
	cfg.Stealth.RespectRobots = true
	s := newTestStealth(t, cfg)

	_, err := s.Discover(context.Background(), server.URL+"/private/profile")
	assert.ErrorIs(t, err, utils.ErrRobots)

	page, err := s.Discover(context.Background(), server.URL+"/public/profile")
	require.NoError(t, err)
	assert.Equal(t, []string{server.URL + "/a.jpg"}, page.Candidates)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, robotsHits, "robots.txt is fetched once per host")
}

func TestRobotsCache_UnreachableAllows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	rc := NewRobotsCache(server.Client(), testLogger())
	u, err := url.Parse(server.URL + "/anything")
	require.NoError(t, err)
	assert.True(t, rc.Allowed(context.Background(), u, "test-agent"))
}

func TestStealth_WithClientAndDiscoverer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><img src="/1.jpg"><img src="/2.jpg"><img src="/3.jpg"></body></html>`)
	}))
	t.Cleanup(server.Close)

	s := newTestStealth(t, testStealthConfig(),
		WithClient(server.Client()),
		WithDiscoverer(discover.New(2)),
	)
	page, err := s.Discover(context.Background(), server.URL+"/gallery")
	require.NoError(t, err)
	assert.Len(t, page.Candidates, 2)
}

func TestStealth_RedirectTargetNotRequestedAgain(t *testing.T) {
	pngData := testPNG(t)
	rec := &pathRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r.URL.Path)
		switch r.URL.Path {
		case "/old":
			http.Redirect(w, r, "/moved", http.StatusFound)
		case "/real.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(pngData)
		default:
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html><body>moved</body></html>")
		}
	}))
	t.Cleanup(server.Close)

	s := newTestStealth(t, testStealthConfig())
	var dst bytes.Buffer
	_, err := s.Download(context.Background(), StealthRequest{
		URL:   server.URL + "/old",
		Seeds: []string{server.URL + "/old", server.URL + "/moved", server.URL + "/real.png"},
	}, &dst)
	require.NoError(t, err)
	assert.Equal(t, pngData, dst.Bytes())
	assert.Equal(t, 1, rec.count(func(p string) bool { return p == "/moved" }), "paths: %v", rec.list())
}

func TestStealth_HTMLAtImagePathIsStreamed(t *testing.T) {
	const challenge = "<html><head><title>Just a moment...</title></head><body>checking your browser</body></html>"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, challenge)
	}))
	t.Cleanup(server.Close)

	// An image-extension URL answering 200 is a hit whatever its content type;
	// the caller's decode check is what rejects it.
	s := newTestStealth(t, testStealthConfig())
	var dst bytes.Buffer
	result, err := s.Download(context.Background(), StealthRequest{URL: server.URL + "/people/photo.jpg"}, &dst)
	require.NoError(t, err)
	assert.Equal(t, challenge, dst.String())
	assert.Equal(t, server.URL+"/people/photo.jpg", result.FinalURL)
	assert.Contains(t, result.ContentType, "text/html")
}
