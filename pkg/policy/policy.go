package policy

import (
	"net/url"
	"strings"

	"github.com/Sriram-PR/img-refetch/pkg/config"
)

// Policy classifies targets as needing browser-grade evasion.
// It performs no network access and is safe for concurrent use.
type Policy struct {
	forceBrowser bool
	sensitive    []string
}

// New builds a Policy from config. Entries are matched as lowercase host substrings.
func New(cfg config.PolicyConfig) *Policy {
	p := &Policy{forceBrowser: cfg.ForceBrowser}
	for _, d := range cfg.SensitiveDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			p.sensitive = append(p.sensitive, d)
		}
	}
	return p
}

// RequiresEvasion reports whether rawURL must go through the evasion strategies.
func (p *Policy) RequiresEvasion(rawURL string) bool {
	return p.Reason(rawURL) != ""
}

// Reason returns why rawURL requires evasion: "forced", "sensitive:<entry>", or ""
// when a direct attempt is allowed. Unparseable URLs are never sensitive.
func (p *Policy) Reason(rawURL string) string {
	if p.forceBrowser {
		return "forced"
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	for _, entry := range p.sensitive {
		if strings.Contains(host, entry) {
			return "sensitive:" + entry
		}
	}
	return ""
}
