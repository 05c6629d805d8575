package fetch

import (
	"math/rand"
	"net/http"
	"strings"

	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/parse"
)

// Accept value sent for image requests.
const ImageAccept = "image/avif,image/webp,image/apng,image/*,*/*;q=0.8"

// HeaderProfile describes the identity presented by one request.
type HeaderProfile struct {
	UserAgent      string
	AcceptLanguage string
	Referer        string // empty falls back to the target's origin
	OmitReferer    bool
}

// BrowserHeaders returns the headers a desktop browser sends when loading an image
// from targetURL. Referer and Origin are derived from the profile's referer, or from
// the target's own origin when none is given.
func BrowserHeaders(targetURL string, p HeaderProfile) http.Header {
	h := make(http.Header)
	ua := p.UserAgent
	if ua == "" {
		ua = config.DefaultUserAgents[0]
	}
	lang := p.AcceptLanguage
	if lang == "" {
		lang = "zh-CN,zh;q=0.9,en;q=0.8"
	}
	h.Set("User-Agent", ua)
	h.Set("Accept", ImageAccept)
	h.Set("Accept-Language", lang)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")

	if p.OmitReferer {
		return h
	}
	referer := strings.TrimSpace(p.Referer)
	if referer == "" {
		if origin := parse.Origin(targetURL); origin != "" {
			referer = origin + "/"
		}
	}
	if parse.IsHTTPURL(referer) {
		h.Set("Referer", referer)
		h.Set("Origin", parse.Origin(referer))
	}
	return h
}

// PickUserAgent returns a random entry of agents, or the first default when empty.
func PickUserAgent(agents []string) string {
	if len(agents) == 0 {
		agents = config.DefaultUserAgents
	}
	return agents[rand.Intn(len(agents))]
}

func applyHeaders(req *http.Request, h http.Header) {
	for k, vs := range h {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}
