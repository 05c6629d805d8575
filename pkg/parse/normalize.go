package parse

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/Sriram-PR/img-refetch/pkg/models"
	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

var schemePrefix = regexp.MustCompile(`(?i)https?://`)

// Characters that end a URL token embedded in free text or markup.
const tokenTerminators = "\"'<> \r\n\t"

// Trailing punctuation (ASCII and full-width) that is never part of the URL.
const trailingPunct = "，,。.;；）)]}>"

// CleanURLToken extracts the URL-looking part of raw text. It removes NUL bytes,
// starts at the first http(s) scheme, drops anything from a second scheme onwards
// (two URLs pasted together), cuts at the first quote, angle bracket or whitespace,
// and strips trailing punctuation. Text without a scheme is returned trimmed so
// relative references can still be resolved by the caller.
func CleanURLToken(raw string) string {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "\x00", ""))
	if s == "" {
		return ""
	}

	loc := schemePrefix.FindStringIndex(s)
	if loc == nil {
		return s
	}
	tail := s[loc[0]:]
	first := loc[1] - loc[0]
	if next := schemePrefix.FindStringIndex(tail[first:]); next != nil {
		tail = tail[:first+next[0]]
	}
	if idx := strings.IndexAny(tail, tokenTerminators); idx >= 0 {
		tail = tail[:idx]
	}
	return strings.TrimRight(strings.TrimSpace(tail), trailingPunct)
}

// NormalizeHTTPURL cleans raw with CleanURLToken and returns it only if it parses
// as an absolute http or https URL with a host. Otherwise it returns "".
func NormalizeHTTPURL(raw string) string {
	s := CleanURLToken(raw)
	if !IsHTTPURL(s) {
		return ""
	}
	return s
}

// IsHTTPURL reports whether s is an absolute http(s) URL with a host.
func IsHTTPURL(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// ResolveCandidate turns a raw token found in a page into an absolute http(s) URL,
// resolved against base and re-cleaned. It returns "" for anything that does not
// end up as an http(s) URL.
func ResolveCandidate(raw string, base *url.URL) string {
	token := CleanURLToken(raw)
	if token == "" {
		return ""
	}
	ref, err := url.Parse(token)
	if err != nil {
		return ""
	}
	full := token
	if base != nil {
		full = base.ResolveReference(ref).String()
	}
	return NormalizeHTTPURL(full)
}

// Origin returns scheme://host of rawURL, or "" when it has no host.
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// NewFetchTarget normalizes the inputs of one fetch. The image URL must end up as
// an http(s) URL; an unusable source URL is dropped rather than rejected.
func NewFetchTarget(imageURL, sourceURL string) (models.FetchTarget, error) {
	img := NormalizeHTTPURL(imageURL)
	if img == "" {
		return models.FetchTarget{}, fmt.Errorf("%w: %q", utils.ErrInvalidURL, imageURL)
	}
	u, _ := url.Parse(img)
	return models.FetchTarget{
		ImageURL:  img,
		SourceURL: NormalizeHTTPURL(sourceURL),
		Domain:    strings.ToLower(u.Hostname()),
	}, nil
}

// CanonicalKey standardizes a URL for use as a storage key.
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https),
// ensures an empty path becomes "/", and removes the fragment. The query is kept since
// image endpoints often select the resource by query parameter.
func CanonicalKey(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(rawURL)
	}
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" {
		normalized.Path = "/"
	}
	normalized.Fragment = ""
	normalized.RawFragment = ""

	return normalized.String()
}
