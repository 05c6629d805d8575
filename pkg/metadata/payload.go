// Package metadata reapplies an image's structured fields after its pixels have
// been replaced, preserving any fields it does not own.
package metadata

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// KeywordMax is the most keywords kept after cleaning.
const KeywordMax = 6

const keywordMaxLen = 10

// Payload is the structured description of one image. All fields are optional.
type Payload struct {
	Title       string   `json:"title,omitempty" yaml:"title,omitempty"`
	Person      string   `json:"person,omitempty" yaml:"person,omitempty"`
	Gender      string   `json:"gender,omitempty" yaml:"gender,omitempty"`
	Position    string   `json:"position,omitempty" yaml:"position,omitempty"`
	City        string   `json:"city,omitempty" yaml:"city,omitempty"`
	Source      string   `json:"source,omitempty" yaml:"source,omitempty"`
	ImageURL    string   `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

var (
	controlChars   = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	spaceRuns      = regexp.MustCompile(`[ \t]+`)
	blankLines     = regexp.MustCompile(`\n{3,}`)
	keywordSplit   = regexp.MustCompile(`[;,，、\n]+`)
	keywordPunct   = regexp.MustCompile(`[，。；;！？!?：:\n\r\t]`)
	keywordSpace   = regexp.MustCompile(`\s`)
	keywordURL     = regexp.MustCompile(`(?i)^https?://`)
	keywordDigits  = regexp.MustCompile(`^\d+$`)
	keywordDate    = regexp.MustCompile(`^\d{4}(?:[年/-]\d{1,2}(?:[月/-]\d{1,2})?)?$`)
	keywordAge     = regexp.MustCompile(`^\d{1,3}岁$`)
	keywordTrimSet = ",，、;；|/\\"
	allowedSingles = map[string]bool{"男": true, "女": true}
	unknownTokens  = map[string]bool{
		"unknown": true, "unkonw": true, "n/a": true, "na": true, "none": true, "null": true,
		"未知": true, "不详": true, "未详": true, "待补充": true, "-": true,
	}
)

// CleanText normalizes line endings, strips control characters, collapses runs
// of spaces and limits blank lines to one.
func CleanText(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = controlChars.ReplaceAllString(s, "")
	s = spaceRuns.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func cleanKeyword(kw string) string {
	raw := strings.Trim(strings.TrimSpace(CleanText(kw)), keywordTrimSet)
	switch {
	case raw == "":
		return ""
	case unknownTokens[strings.ToLower(raw)]:
		return ""
	case keywordURL.MatchString(raw), keywordPunct.MatchString(raw), keywordSpace.MatchString(raw):
		return ""
	case utf8.RuneCountInString(raw) == 1 && !allowedSingles[raw]:
		return ""
	case utf8.RuneCountInString(raw) > keywordMaxLen:
		return ""
	case keywordDigits.MatchString(raw), keywordDate.MatchString(raw), keywordAge.MatchString(raw):
		return ""
	}
	return raw
}

// CleanKeywords drops unusable tokens (URLs, numbers, dates, sentences, unknown
// markers), de-duplicates case-insensitively and keeps at most max entries.
func CleanKeywords(keywords []string, max int) []string {
	if max < 1 {
		max = KeywordMax
	}
	var out []string
	seen := make(map[string]bool)
	for _, kw := range keywords {
		kw = cleanKeyword(kw)
		key := strings.ToLower(kw)
		if kw == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
		if len(out) >= max {
			break
		}
	}
	return out
}

// ParseKeywords splits free text on commas, semicolons, enumeration marks and
// newlines, then cleans the result.
func ParseKeywords(text string) []string {
	return CleanKeywords(keywordSplit.Split(strings.TrimSpace(text), -1), KeywordMax)
}

// NormalizeGender maps common spellings to 男/女 and unknown markers to "".
func NormalizeGender(v string) string {
	raw := strings.TrimSpace(v)
	lower := strings.ToLower(raw)
	switch {
	case raw == "" || unknownTokens[lower]:
		return ""
	case raw == "男" || lower == "male" || lower == "m" || lower == "man" || raw == "男性":
		return "男"
	case raw == "女" || lower == "female" || lower == "f" || lower == "woman" || raw == "女性":
		return "女"
	}
	return raw
}

// Clean returns a copy with every text field normalized.
func (p Payload) Clean() Payload {
	return Payload{
		Title:       CleanText(p.Title),
		Person:      CleanText(p.Person),
		Gender:      NormalizeGender(CleanText(p.Gender)),
		Position:    CleanText(p.Position),
		City:        CleanText(p.City),
		Source:      CleanText(p.Source),
		ImageURL:    CleanText(p.ImageURL),
		Description: CleanText(p.Description),
		Keywords:    CleanKeywords(p.Keywords, KeywordMax),
	}
}

// IsEmpty reports whether no field carries a value.
func (p Payload) IsEmpty() bool {
	return len(p.fields()) == 0
}

type field struct {
	key   string
	value any // string or []string
}

// fields lists the non-empty fields in a stable order.
func (p Payload) fields() []field {
	var out []field
	add := func(k, v string) {
		if v != "" {
			out = append(out, field{k, v})
		}
	}
	add("title", p.Title)
	add("person", p.Person)
	add("gender", p.Gender)
	add("position", p.Position)
	add("city", p.City)
	add("source", p.Source)
	add("image_url", p.ImageURL)
	add("description", p.Description)
	if len(p.Keywords) > 0 {
		out = append(out, field{"keywords", append([]string(nil), p.Keywords...)})
	}
	return out
}
