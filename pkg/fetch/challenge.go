package fetch

import "strings"

// ChallengeIndicators are lowercase substrings of common anti-bot interstitials.
var ChallengeIndicators = []string{
	"checking your browser",
	"just a moment",
	"ddos protection",
	"ray id",
	"attention required",
	"cloudflare",
}

// IsChallengePage reports whether body looks like an anti-bot interstitial.
func IsChallengePage(body string) bool {
	if body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, ind := range ChallengeIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// IsImageContentType reports whether a Content-Type header names an image.
func IsImageContentType(ct string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "image/")
}

// IsHTMLContentType reports whether a Content-Type header names an HTML document.
func IsHTMLContentType(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "text/html")
}
