package discover

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html><head>
<meta property="og:image" content="https://cdn.example.com/og.jpg">
<meta name="og:image" content="/named.png">
<meta name="twitter:image" content="https://cdn.example.com/og.jpg">
</head><body>
<img src="photos/a.jpg"><img data-src="//img.example.com/lazy.webp" src="data:image/gif;base64,R0lGOD">
<p>see https://mirror.example.com/full.jpeg?size=large, or /static/thumb.png。</p>
</body></html>`

func TestExtract_OrderAndResolution(t *testing.T) {
	d := Default()
	got := d.Extract(samplePage, "https://news.example.com/article/1.html")

	expected := []string{
		"https://cdn.example.com/og.jpg",
		"https://news.example.com/named.png",
		"https://news.example.com/article/photos/a.jpg",
		"https://img.example.com/lazy.webp",
		"https://mirror.example.com/full.jpeg?size=large",
		"https://news.example.com/static/thumb.png",
	}
	assert.Equal(t, expected, got)
}

func TestExtract_Idempotent(t *testing.T) {
	d := Default()
	base := "https://news.example.com/article/1.html"
	first := d.Extract(samplePage, base)
	second := d.Extract(samplePage, base)
	assert.Equal(t, first, second)

	seen := make(map[string]bool)
	for _, c := range first {
		assert.False(t, seen[c], "duplicate candidate %s", c)
		seen[c] = true
	}
}

func TestExtract_Capped(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&b, "<img src=\"https://farm.example.com/%d.jpg\">\n", i)
	}
	got := Default().Extract(b.String(), "https://farm.example.com/")
	require.Len(t, got, DefaultMax)
	assert.Equal(t, "https://farm.example.com/0.jpg", got[0])
	assert.Equal(t, "https://farm.example.com/49.jpg", got[DefaultMax-1])

	small := New(5).Extract(b.String(), "")
	assert.Len(t, small, 5)
}

func TestExtract_DropsMalformed(t *testing.T) {
	body := `<img src="javascript:void(0)"><img src="  "><meta property="og:image" content="mailto:x@y.z">`
	assert.Empty(t, Default().Extract(body, "https://example.com/"))
	assert.Empty(t, Default().Extract("", "https://example.com/"))
}

func TestExtract_RelativeWithoutBase(t *testing.T) {
	got := Default().Extract(`<img src="/a.jpg"><img src="https://x.example.com/b.png">`, "")
	assert.Equal(t, []string{"https://x.example.com/b.png"}, got)
}

func TestExtract_PlainHTTPLinkAlsoQueuedWithPageScheme(t *testing.T) {
	got := Default().Extract(`photo: http://cdn.example.com/p.jpg`, "https://news.example.com/")
	assert.Equal(t, []string{"http://cdn.example.com/p.jpg", "https://cdn.example.com/p.jpg"}, got)
}

func TestExtract_CustomRules(t *testing.T) {
	d := New(10, RelativePathRule{})
	got := d.Extract(`<meta property="og:image" content="og.jpg"> /x/y.tif`, "http://h.example.com/")
	assert.Equal(t, []string{"http://h.example.com/x/y.tif"}, got)
}

func TestIsImageURL(t *testing.T) {
	assert.True(t, IsImageURL("https://example.com/a/B.JPG?x=1"))
	assert.True(t, IsImageURL("https://example.com/a.tiff"))
	assert.False(t, IsImageURL("https://example.com/a.html"))
	assert.False(t, IsImageURL("https://example.com/jpg"))
	assert.True(t, IsImageExt("file.webp"))
}
