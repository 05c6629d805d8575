package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

var jpegBody = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9}

// testConfig returns a FetchConfig with millisecond retry delays.
func testConfig(maxRetries int) config.FetchConfig {
	return config.FetchConfig{
		MaxRetries:        maxRetries,
		InitialRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:     50 * time.Millisecond,
		TransferTimeout:   10 * time.Second,
	}
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func directWithRetries(maxRetries int) *Direct {
	cfg := config.DefaultConfig()
	fc := testConfig(maxRetries)
	return NewDirect(NewFetcher(testClient(), fc, testLogger()), fc, cfg.Stealth, testLogger())
}

// imageCDN answers with the scripted statuses in order, repeating the last
// one, and serves jpegBody whenever the status is 200.
type imageCDN struct {
	*httptest.Server
	hits     atomic.Int32
	mu       sync.Mutex
	referers []string
}

func newImageCDN(t *testing.T, script []int, extra func(w http.ResponseWriter, status int)) *imageCDN {
	t.Helper()
	cdn := &imageCDN{}
	cdn.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(cdn.hits.Add(1)) - 1
		if i >= len(script) {
			i = len(script) - 1
		}
		cdn.mu.Lock()
		cdn.referers = append(cdn.referers, r.Header.Get("Referer"))
		cdn.mu.Unlock()

		status := script[i]
		if extra != nil {
			extra(w, status)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(jpegBody)
	}))
	t.Cleanup(cdn.Close)
	return cdn
}

func TestDirect_ServerErrorsThenJPEG(t *testing.T) {
	cdn := newImageCDN(t, []int{http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK}, nil)

	var dst bytes.Buffer
	result, err := directWithRetries(3).Fetch(context.Background(), models.FetchTarget{ImageURL: cdn.URL + "/photos/42.jpg"}, &dst)
	require.NoError(t, err)
	assert.Equal(t, int32(3), cdn.hits.Load(), "two retries inside the first header variant")
	assert.Equal(t, "image/jpeg", result.ContentType)
	assert.Equal(t, jpegBody, dst.Bytes())
	assert.Equal(t, int64(len(jpegBody)), result.Size)
}

func TestDirect_RateLimitedThenJPEG(t *testing.T) {
	// Retry-After is longer than MaxRetryDelay and must be capped by it.
	cdn := newImageCDN(t, []int{http.StatusTooManyRequests, http.StatusOK}, func(w http.ResponseWriter, status int) {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "30")
		}
	})

	start := time.Now()
	var dst bytes.Buffer
	_, err := directWithRetries(2).Fetch(context.Background(), models.FetchTarget{ImageURL: cdn.URL + "/a.jpg"}, &dst)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(2), cdn.hits.Load())
	assert.Equal(t, jpegBody, dst.Bytes())
}

func TestDirect_ForbiddenMovesToNextVariant(t *testing.T) {
	cdn := newImageCDN(t, []int{http.StatusForbidden}, nil)

	target := models.FetchTarget{ImageURL: cdn.URL + "/a.jpg", SourceURL: "https://news.example.com/story"}
	var dst bytes.Buffer
	_, err := directWithRetries(3).Fetch(context.Background(), target, &dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrClientHTTPError))
	assert.False(t, errors.Is(err, utils.ErrRetryFailed), "403 is never retried")

	// One request per header variant, none repeated.
	assert.Equal(t, int32(3), cdn.hits.Load())
	assert.Equal(t, []string{"https://news.example.com/story", cdn.URL + "/", ""}, cdn.referers)
	assert.Zero(t, dst.Len())
}

func TestDirect_ExhaustedRetriesPerVariant(t *testing.T) {
	cdn := newImageCDN(t, []int{http.StatusInternalServerError}, nil)

	var dst bytes.Buffer
	_, err := directWithRetries(1).Fetch(context.Background(), models.FetchTarget{ImageURL: cdn.URL + "/a.jpg"}, &dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrRetryFailed))
	assert.True(t, errors.Is(err, utils.ErrServerHTTPError))
	// origin referer and no referer, two attempts each
	assert.Equal(t, int32(4), cdn.hits.Load())
}

func TestFetchWithRetry_DroppedConnectionThenJPEG(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(jpegBody)
	}))
	t.Cleanup(server.Close)

	f := NewFetcher(testClient(), testConfig(2), testLogger())
	req, err := http.NewRequest(http.MethodGet, server.URL+"/a.jpg", nil)
	require.NoError(t, err)

	resp, err := f.FetchWithRetry(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, jpegBody, body)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchWithRetry_CancelledWhileBackingOff(t *testing.T) {
	cdn := newImageCDN(t, []int{http.StatusServiceUnavailable}, nil)

	cfg := testConfig(5)
	cfg.InitialRetryDelay = 10 * time.Second
	cfg.MaxRetryDelay = 10 * time.Second
	f := NewFetcher(testClient(), cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequest(http.MethodGet, cdn.URL+"/a.jpg", nil)
	require.NoError(t, err)

	start := time.Now()
	resp, err := f.FetchWithRetry(ctx, req)
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), cdn.hits.Load())
}

func TestFetcher_Backoff(t *testing.T) {
	f := NewFetcher(testClient(), testConfig(5), testLogger())

	first := f.backoff(1)
	assert.GreaterOrEqual(t, first, 9*time.Millisecond)
	assert.LessOrEqual(t, first, 11*time.Millisecond)

	capped := f.backoff(6)
	assert.GreaterOrEqual(t, capped, 45*time.Millisecond)
	assert.LessOrEqual(t, capped, 55*time.Millisecond)
}
