package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

func newTestDirect() *Direct {
	cfg := config.DefaultConfig()
	fetcher := NewFetcher(testClient(), testConfig(0), testLogger())
	return NewDirect(fetcher, cfg.Fetch, cfg.Stealth, testLogger())
}

func TestDirect_Success(t *testing.T) {
	pngData := testPNG(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData)
	}))
	t.Cleanup(server.Close)

	var dst bytes.Buffer
	result, err := newTestDirect().Fetch(context.Background(), models.FetchTarget{ImageURL: server.URL + "/a.png"}, &dst)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyDirect, result.Strategy)
	assert.Equal(t, pngData, dst.Bytes())
	assert.Equal(t, int64(len(pngData)), result.Size)
}

func TestDirect_HeaderVariantFallback(t *testing.T) {
	pngData := testPNG(t)
	var mu sync.Mutex
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Referer"))
		mu.Unlock()
		// Hotlink protection that only accepts requests without a Referer
		if r.Header.Get("Referer") != "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData)
	}))
	t.Cleanup(server.Close)

	target := models.FetchTarget{ImageURL: server.URL + "/a.png", SourceURL: "https://news.example.com/story"}
	var dst bytes.Buffer
	_, err := newTestDirect().Fetch(context.Background(), target, &dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://news.example.com/story", server.URL + "/", ""}, seen)
	assert.Equal(t, pngData, dst.Bytes())
}

func TestDirect_NotImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>login required</html>"))
	}))
	t.Cleanup(server.Close)

	var dst bytes.Buffer
	_, err := newTestDirect().Fetch(context.Background(), models.FetchTarget{ImageURL: server.URL + "/a"}, &dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrNotImage))
	assert.Zero(t, dst.Len(), "nothing is written on failure")
}

func TestDirect_GzipEncoded(t *testing.T) {
	pngData := testPNG(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write(pngData)
		gz.Close()
	}))
	t.Cleanup(server.Close)

	var dst bytes.Buffer
	_, err := newTestDirect().Fetch(context.Background(), models.FetchTarget{ImageURL: server.URL + "/a.png"}, &dst)
	require.NoError(t, err)
	assert.Equal(t, pngData, dst.Bytes())
}

func TestBrowserHeaders(t *testing.T) {
	h := BrowserHeaders("https://img.example.com/a.jpg", HeaderProfile{UserAgent: "UA"})
	assert.Equal(t, "UA", h.Get("User-Agent"))
	assert.Equal(t, ImageAccept, h.Get("Accept"))
	assert.Equal(t, "https://img.example.com/", h.Get("Referer"))
	assert.Equal(t, "https://img.example.com", h.Get("Origin"))
	assert.Equal(t, "no-cache", h.Get("Pragma"))

	h = BrowserHeaders("https://img.example.com/a.jpg", HeaderProfile{Referer: "https://news.example.com/p/1"})
	assert.Equal(t, "https://news.example.com/p/1", h.Get("Referer"))
	assert.Equal(t, "https://news.example.com", h.Get("Origin"))
	assert.Equal(t, config.DefaultUserAgents[0], h.Get("User-Agent"))

	h = BrowserHeaders("https://img.example.com/a.jpg", HeaderProfile{OmitReferer: true})
	assert.Empty(t, h.Get("Referer"))
	assert.Empty(t, h.Get("Origin"))
}

func TestPickUserAgent(t *testing.T) {
	assert.Equal(t, "only", PickUserAgent([]string{"only"}))
	assert.Contains(t, config.DefaultUserAgents, PickUserAgent(nil))
}

func TestIsChallengePage(t *testing.T) {
	assert.True(t, IsChallengePage("<title>Just a moment...</title>"))
	assert.True(t, IsChallengePage("Cloudflare Ray ID: 123"))
	assert.False(t, IsChallengePage("<html><img src=a.jpg></html>"))
	assert.False(t, IsChallengePage(""))
}
