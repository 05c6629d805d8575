package discover

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Rule extracts raw candidate tokens from a page. Tokens are returned in document
// order and are resolved and filtered by the Discoverer.
type Rule interface {
	Name() string
	Extract(doc *goquery.Document, body string) []string
}

// MetaPropertyRule matches <meta property="..." content="...">, e.g. og:image.
type MetaPropertyRule struct {
	Property string
}

func (r MetaPropertyRule) Name() string { return "meta-property:" + r.Property }

func (r MetaPropertyRule) Extract(doc *goquery.Document, _ string) []string {
	return metaContent(doc, "property", r.Property)
}

// MetaNameRule matches <meta name="..." content="...">.
type MetaNameRule struct {
	MetaName string
}

func (r MetaNameRule) Name() string { return "meta-name:" + r.MetaName }

func (r MetaNameRule) Extract(doc *goquery.Document, _ string) []string {
	return metaContent(doc, "name", r.MetaName)
}

func metaContent(doc *goquery.Document, attr, value string) []string {
	if doc == nil {
		return nil
	}
	var out []string
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		v, ok := s.Attr(attr)
		if !ok || !strings.EqualFold(strings.TrimSpace(v), value) {
			return
		}
		if content, ok := s.Attr("content"); ok && strings.TrimSpace(content) != "" {
			out = append(out, content)
		}
	})
	return out
}

// ImageElementRule collects source attributes of <img> elements.
type ImageElementRule struct {
	Attrs []string
}

// DefaultImageAttrs covers plain and lazy-loaded image elements.
var DefaultImageAttrs = []string{"src", "data-src", "data-original"}

func (r ImageElementRule) Name() string { return "img" }

func (r ImageElementRule) Extract(doc *goquery.Document, _ string) []string {
	if doc == nil {
		return nil
	}
	attrs := r.Attrs
	if len(attrs) == 0 {
		attrs = DefaultImageAttrs
	}
	var out []string
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		for _, a := range attrs {
			if v, ok := s.Attr(a); ok && strings.TrimSpace(v) != "" {
				out = append(out, v)
			}
		}
	})
	return out
}

const imageExtPattern = `(?:jpg|jpeg|png|webp|bmp|tif|tiff)`

var (
	absoluteImageURL  = regexp.MustCompile(`(?i)https?://[^\s"'<>]+?\.` + imageExtPattern + `(?:\?[^\s"'<>]*)?`)
	relativeImagePath = regexp.MustCompile(`(?i)/[^\s"'<>]+?\.` + imageExtPattern + `(?:\?[^\s"'<>]*)?`)
)

// AbsoluteURLRule finds bare http(s) URLs ending in a known image extension anywhere in the body.
type AbsoluteURLRule struct{}

func (AbsoluteURLRule) Name() string { return "absolute-url" }

func (AbsoluteURLRule) Extract(_ *goquery.Document, body string) []string {
	return absoluteImageURL.FindAllString(body, -1)
}

// RelativePathRule finds root-relative paths ending in a known image extension.
// It also matches the "//host/x.jpg" tail of an absolute URL, which resolves
// against the page's scheme: an http image linked from an https page is then
// queued a second time as https.
type RelativePathRule struct{}

func (RelativePathRule) Name() string { return "relative-path" }

func (RelativePathRule) Extract(_ *goquery.Document, body string) []string {
	return relativeImagePath.FindAllString(body, -1)
}

// DefaultRules returns the extraction rules in priority order.
func DefaultRules() []Rule {
	return []Rule{
		MetaPropertyRule{Property: "og:image"},
		MetaNameRule{MetaName: "og:image"},
		MetaNameRule{MetaName: "twitter:image"},
		ImageElementRule{},
		AbsoluteURLRule{},
		RelativePathRule{},
	}
}
