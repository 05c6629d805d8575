package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"

	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// maxRobotsBytes bounds how much of a robots.txt is parsed.
const maxRobotsBytes = 512 << 10

// RobotsCache fetches and caches robots.txt per host. A host whose file
// cannot be fetched or parsed is cached as nil and treated as allowing everything.
type RobotsCache struct {
	client *http.Client
	mu     sync.Mutex
	hosts  map[string]*robotstxt.RobotsData
	log    *logrus.Entry
}

// NewRobotsCache returns a cache that fetches with client.
func NewRobotsCache(client *http.Client, log *logrus.Entry) *RobotsCache {
	return &RobotsCache{
		client: client,
		hosts:  make(map[string]*robotstxt.RobotsData),
		log:    log,
	}
}

// Allowed reports whether userAgent may fetch target.
func (rc *RobotsCache) Allowed(ctx context.Context, target *url.URL, userAgent string) bool {
	data := rc.get(ctx, target)
	if data == nil {
		return true
	}
	return data.TestAgent(target.RequestURI(), userAgent)
}

func (rc *RobotsCache) get(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	host := target.Host
	rc.mu.Lock()
	data, found := rc.hosts[host]
	rc.mu.Unlock()
	if found {
		return data
	}

	robotsURL := (&url.URL{Scheme: target.Scheme, Host: host, Path: "/robots.txt"}).String()
	log := rc.log.WithField("robots_url", robotsURL)
	data, err := rc.fetch(ctx, robotsURL)
	if err != nil {
		log.Debugf("robots.txt unavailable: %v", err)
	}

	rc.mu.Lock()
	rc.hosts[host] = data
	rc.mu.Unlock()
	return data
}

func (rc *RobotsCache) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	// FromStatusAndBytes maps 4xx to allow-all and 5xx to disallow-all.
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("%w: robots.txt: %w", utils.ErrParsing, err)
	}
	return data, nil
}
