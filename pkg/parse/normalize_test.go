package parse

import (
	"errors"
	"net/url"
	"testing"

	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

func TestCleanURLToken(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Empty", "", ""},
		{"Whitespace", "   ", ""},
		{"Plain", "https://example.com/a.jpg", "https://example.com/a.jpg"},
		{"NullBytes", "https://exa\x00mple.com/a.jpg", "https://example.com/a.jpg"},
		{"LeadingText", "图片: https://example.com/a.jpg", "https://example.com/a.jpg"},
		{"Concatenated", "https://a.com/x.jpghttps://b.com/y.jpg", "https://a.com/x.jpg"},
		{"ConcatenatedMixedCase", "http://a.com/1.png HTTP://b.com/2.png", "http://a.com/1.png"},
		{"TrailingPunct", "https://example.com/a.jpg。", "https://example.com/a.jpg"},
		{"TrailingMixedPunct", "https://example.com/a.jpg);，", "https://example.com/a.jpg"},
		{"QuoteTerminated", `https://example.com/a.jpg" alt="x`, "https://example.com/a.jpg"},
		{"TabTerminated", "https://example.com/a.jpg\tnext", "https://example.com/a.jpg"},
		{"EarliestTerminatorWins", "https://e.com/a.jpg next\"quoted", "https://e.com/a.jpg"},
		{"Relative", " /img/a.png ", "/img/a.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanURLToken(tt.input); got != tt.expected {
				t.Errorf("CleanURLToken(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNormalizeHTTPURL_RejectsNonHTTP(t *testing.T) {
	for _, in := range []string{"/img/a.png", "ftp://example.com/a.jpg", "javascript:alert(1)", "https://"} {
		if got := NormalizeHTTPURL(in); got != "" {
			t.Errorf("NormalizeHTTPURL(%q) = %q, want empty", in, got)
		}
	}
}

func TestResolveCandidate(t *testing.T) {
	base, _ := url.Parse("https://news.example.com/article/1.html")
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{"Absolute", "https://cdn.example.com/a.jpg", "https://cdn.example.com/a.jpg"},
		{"RootRelative", "/upload/a.jpg", "https://news.example.com/upload/a.jpg"},
		{"PathRelative", "img/b.png", "https://news.example.com/article/img/b.png"},
		{"ProtocolRelative", "//cdn.example.com/c.webp", "https://cdn.example.com/c.webp"},
		{"DataURI", "data:image/png;base64,AAAA", ""},
		{"Empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveCandidate(tt.raw, base); got != tt.expected {
				t.Errorf("ResolveCandidate(%q) = %q, want %q", tt.raw, got, tt.expected)
			}
		})
	}
}

func TestNewFetchTarget(t *testing.T) {
	target, err := NewFetchTarget(" https://Example.GOV.cn/photo.jpg。 ", "not a url")
	if err != nil {
		t.Fatalf("NewFetchTarget() error = %v", err)
	}
	if target.ImageURL != "https://Example.GOV.cn/photo.jpg" {
		t.Errorf("ImageURL = %q", target.ImageURL)
	}
	if target.Domain != "example.gov.cn" {
		t.Errorf("Domain = %q, want example.gov.cn", target.Domain)
	}
	if target.SourceURL != "" {
		t.Errorf("SourceURL = %q, want empty for unusable source", target.SourceURL)
	}

	_, err = NewFetchTarget("photo.jpg", "")
	if !errors.Is(err, utils.ErrInvalidURL) {
		t.Errorf("NewFetchTarget(relative) error = %v, want ErrInvalidURL", err)
	}
}

func TestOrigin(t *testing.T) {
	if got := Origin("https://a.example.com:8443/x/y?z=1"); got != "https://a.example.com:8443" {
		t.Errorf("Origin() = %q", got)
	}
	if got := Origin("/relative"); got != "" {
		t.Errorf("Origin(relative) = %q, want empty", got)
	}
}

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"HTTPS://Example.COM:443/A.jpg?w=1#frag", "https://example.com/A.jpg?w=1"},
		{"http://example.com:80", "http://example.com/"},
		{"http://example.com:8080/a", "http://example.com:8080/a"},
	}
	for _, tt := range tests {
		if got := CanonicalKey(tt.input); got != tt.expected {
			t.Errorf("CanonicalKey(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
