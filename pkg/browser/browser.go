// Package browser drives a real browser engine to get past interactive
// challenges and harvest what a lighter HTTP client needs to continue.
package browser

import (
	"context"
	"time"

	"github.com/Sriram-PR/img-refetch/pkg/discover"
	"github.com/Sriram-PR/img-refetch/pkg/fetch"
)

// Fetched is a response seen inside the browser. The body is loaded on demand.
type Fetched struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
	load        func() ([]byte, error)
}

// NewFetched creates a Fetched whose body is read by load on first use.
func NewFetched(url string, status int, contentType string, load func() ([]byte, error)) *Fetched {
	return &Fetched{URL: url, Status: status, ContentType: contentType, load: load}
}

// Bytes returns the response body, loading it if necessary.
func (f *Fetched) Bytes() ([]byte, error) {
	if f.Body != nil || f.load == nil {
		return f.Body, nil
	}
	b, err := f.load()
	if err != nil {
		return nil, err
	}
	f.Body = b
	return b, nil
}

// LooksLikeImage reports whether the response is image-typed by header or URL.
func (f *Fetched) LooksLikeImage() bool {
	if f == nil {
		return false
	}
	return fetch.IsImageContentType(f.ContentType) || discover.IsImageURL(f.URL)
}

// TabOptions configure the browsing context a tab lives in.
type TabOptions struct {
	UserAgent         string
	Locale            string
	ExtraHeaders      map[string]string
	IgnoreHTTPSErrors bool
}

// Tab is one page in its own browsing context. Calls block until the engine
// answers or the given timeout elapses; ctx is checked before each call.
type Tab interface {
	// Goto navigates and returns the main response, which may be nil.
	Goto(ctx context.Context, url string, timeout time.Duration) (*Fetched, error)
	Content() (string, error)
	URL() string
	WaitIdle(timeout time.Duration) error
	// Get requests url with the page's cookies and identity.
	Get(ctx context.Context, url string, timeout time.Duration) (*Fetched, error)
	// Observed returns image-typed responses seen while pages loaded.
	Observed() []*Fetched
	// ImageSources returns resolved sources of <img> elements, de-duplicated.
	ImageSources(limit int) ([]string, error)
	Cookies() (map[string]string, error)
	UserAgent() (string, error)
	Close() error
}

// Instance is a launched browser.
type Instance interface {
	NewTab(opts TabOptions) (Tab, error)
	Channel() string
	Close() error
}

// Launcher starts a browser. channel "" selects the bundled engine.
type Launcher interface {
	Launch(channel string, headed bool) (Instance, error)
}

// ChannelLabel returns a display name for a launch channel.
func ChannelLabel(channel string) string {
	if channel == "" {
		return "chromium"
	}
	return channel
}
