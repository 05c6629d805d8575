package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// --- Filename Sanitization ---
var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`) // Characters invalid in Windows/Unix filenames
var consecutiveUnderscores = regexp.MustCompile(`_+`)
const maxFilenameLength = 200

// SanitizeFilename cleans a string to be safe for use as a filename component
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_ .")

	if len(sanitized) > maxFilenameLength {
		// Cut on a rune boundary so names with CJK characters stay valid UTF-8
		cut := maxFilenameLength
		for cut > 0 && !isRuneStart(sanitized[cut]) {
			cut--
		}
		sanitized = strings.Trim(sanitized[:cut], "_ .")
	}

	if sanitized == "" {
		sanitized = "unnamed"
	}
	return sanitized
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// UniqueFilePath returns dir/base+ext, or dir/base_N+ext (N starting at 2) for the
// first N that neither exists nor is reported by taken. The base is sanitized
// first. taken may be nil.
func UniqueFilePath(dir, base, ext string, taken func(path string) bool) string {
	clean := SanitizeFilename(base)
	free := func(p string) bool {
		if taken != nil && taken(p) {
			return false
		}
		_, err := os.Stat(p)
		return os.IsNotExist(err)
	}
	candidate := filepath.Join(dir, clean+ext)
	for n := 2; !free(candidate); n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", clean, n, ext))
	}
	return candidate
}

// ShortError flattens a diagnostic to a single line and caps it at limit bytes
// (rune-safe), appending "..." when truncated.
func ShortError(msg string, limit int) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.TrimSpace(msg)
	if limit <= 0 || len(msg) <= limit {
		return msg
	}
	cut := limit
	for cut > 0 && !isRuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}
