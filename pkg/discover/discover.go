package discover

import (
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/img-refetch/pkg/parse"
)

// DefaultMax is the number of candidates returned by one discovery call.
const DefaultMax = 50

// Discoverer applies an ordered rule list to a page body.
type Discoverer struct {
	rules []Rule
	max   int
}

// New creates a Discoverer. max <= 0 selects DefaultMax; no rules selects DefaultRules.
func New(max int, rules ...Rule) *Discoverer {
	if max <= 0 {
		max = DefaultMax
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Discoverer{rules: rules, max: max}
}

// Default returns a Discoverer with the default rules and cap.
func Default() *Discoverer {
	return New(DefaultMax)
}

// Max returns the candidate cap.
func (d *Discoverer) Max() int { return d.max }

// Extract returns absolute http(s) candidate URLs found in body, resolved against
// baseURL. The result keeps first-seen order, contains no duplicates and holds at
// most Max entries. Identical input always yields identical output.
func (d *Discoverer) Extract(body, baseURL string) []string {
	if strings.TrimSpace(body) == "" {
		return nil
	}

	var base *url.URL
	if baseURL != "" {
		if u, err := url.Parse(baseURL); err == nil {
			base = u
		}
	}

	// A body that does not parse still goes through the regex rules
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		doc = nil
	}

	seen := make(map[string]struct{})
	out := make([]string, 0, 8)
	for _, rule := range d.rules {
		for _, raw := range rule.Extract(doc, body) {
			candidate := parse.ResolveCandidate(raw, base)
			if candidate == "" {
				continue
			}
			if _, dup := seen[candidate]; dup {
				continue
			}
			seen[candidate] = struct{}{}
			out = append(out, candidate)
			if len(out) >= d.max {
				return out
			}
		}
	}
	return out
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
	".bmp": true, ".tif": true, ".tiff": true,
}

// IsImageExt reports whether a URL path ends in a known image extension.
func IsImageExt(p string) bool {
	return imageExts[strings.ToLower(path.Ext(p))]
}

// IsImageURL reports whether rawURL's path ends in a known image extension.
func IsImageURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return IsImageExt(u.Path)
}
