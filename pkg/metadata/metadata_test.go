package metadata

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/img-refetch/pkg/commit"
	"github.com/Sriram-PR/img-refetch/pkg/config"
	"github.com/Sriram-PR/img-refetch/pkg/imaging"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func sample() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for i := 0; i < 6; i++ {
		img.Set(i, 5-i, color.RGBA{B: 255, A: 255})
	}
	return img
}

func writeJPEG(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, sample(), &jpeg.Options{Quality: 90}))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, sample()))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func committer() *commit.Committer {
	return commit.New(config.DefaultConfig().Commit, testLogger())
}

func TestCleanKeywords(t *testing.T) {
	in := []string{
		"警察", "警察", "POLICE", "police", "https://x.com/a", "2024-03", "2024年3",
		"35岁", "12345", "a", "男", "unknown", "两个 词", "很长很长很长很长很长很长", "北京", "上海", "广州", "深圳",
	}
	got := CleanKeywords(in, KeywordMax)
	assert.Equal(t, []string{"警察", "POLICE", "男", "北京", "上海", "广州"}, got)
}

func TestParseKeywords(t *testing.T) {
	assert.Equal(t, []string{"民警", "交警", "北京"}, ParseKeywords("民警，交警;北京、民警\n"))
	assert.Empty(t, ParseKeywords("   "))
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "a b\n\nc", CleanText("  a \t  b\r\n\r\n\r\n\r\nc\x07 "))
	assert.Equal(t, "", CleanText(""))
}

func TestPayloadClean(t *testing.T) {
	p := Payload{Title: " 标题  一 ", Gender: "Female", Keywords: []string{"x", "交警"}}.Clean()
	assert.Equal(t, "标题 一", p.Title)
	assert.Equal(t, "女", p.Gender)
	assert.Equal(t, []string{"交警"}, p.Keywords)
	assert.True(t, Payload{Gender: "unknown"}.Clean().IsEmpty())
	assert.Equal(t, "男", NormalizeGender("M"))
	assert.Equal(t, "其他", NormalizeGender("其他"))
}

func TestSidecar_PreservesUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "a.jpg")
	writeJPEG(t, img)
	existing := "# managed by hand\ncustom_field: keep me\ntitle: old title # inline\nasset_id: fixed-id\n"
	require.NoError(t, os.WriteFile(SidecarPath(img), []byte(existing), 0o644))

	p := Payload{Title: "new title", City: "北京", Keywords: []string{"民警", "北京"}}
	require.NoError(t, NewSidecar().Update(img, p))

	raw, err := os.ReadFile(SidecarPath(img))
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "custom_field: keep me")
	assert.Contains(t, text, "# managed by hand")
	assert.Contains(t, text, "asset_id: fixed-id")
	assert.Contains(t, text, "updated_at:")

	back, err := ReadSidecar(img)
	require.NoError(t, err)
	assert.Equal(t, "new title", back.Title)
	assert.Equal(t, "北京", back.City)
	assert.Equal(t, []string{"民警", "北京"}, back.Keywords)
}

func TestSidecar_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "a.png")
	writePNG(t, img)

	require.NoError(t, NewSidecar().Update(img, Payload{Person: "张三"}))
	back, err := ReadSidecar(img)
	require.NoError(t, err)
	assert.Equal(t, "张三", back.Person)
}

func TestSidecar_RejectsNonMapping(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "a.png")
	writePNG(t, img)
	require.NoError(t, os.WriteFile(SidecarPath(img), []byte("- just\n- a list\n"), 0o644))
	assert.Error(t, NewSidecar().Update(img, Payload{Title: "x"}))
}

func TestEmbedded_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name  string
		write func(*testing.T, string)
	}{
		{"jpeg", writeJPEG},
		{"png", writePNG},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "img."+tc.name)
			tc.write(t, path)
			before, err := imaging.Fingerprint(path)
			require.NoError(t, err)

			e := NewEmbedded(committer())
			require.NoError(t, e.Update(path, Payload{Title: "first", Source: "https://example.com/p"}))
			require.NoError(t, e.Update(path, Payload{Title: "second", Person: "李四"}))

			m, err := ReadEmbedded(path)
			require.NoError(t, err)
			assert.Equal(t, "second", m["title"])
			assert.Equal(t, "李四", m["person"])
			assert.Equal(t, "https://example.com/p", m["source"], "fields not in the update are kept")
			assert.NotEmpty(t, m["asset_id"])

			after, err := imaging.Fingerprint(path)
			require.NoError(t, err)
			assert.True(t, before.Equal(after))
		})
	}
}

func TestEmbedded_SingleBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpg")
	writeJPEG(t, path)
	e := NewEmbedded(committer())
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Update(path, Payload{Title: "t"}))
	}
	data, _ := os.ReadFile(path)
	assert.Equal(t, 1, bytes.Count(data, []byte(EmbedKey+":")))
}

func TestEmbedded_Unsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.gif")
	require.NoError(t, os.WriteFile(path, []byte("GIF89a-not-really"), 0o644))
	_, err := ReadEmbedded(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

type stubReconciler struct {
	name string
	err  error
	hits int
}

func (s *stubReconciler) Name() string { return s.name }
func (s *stubReconciler) Update(string, Payload) error {
	s.hits++
	return s.err
}

func TestChain(t *testing.T) {
	t.Run("unsupported skipped when another applies", func(t *testing.T) {
		a := &stubReconciler{name: "embedded", err: ErrUnsupportedFormat}
		b := &stubReconciler{name: "sidecar"}
		assert.NoError(t, NewChain(testLogger(), a, b).Update("x", Payload{}))
		assert.Equal(t, 1, a.hits)
		assert.Equal(t, 1, b.hits)
	})
	t.Run("all unsupported fails", func(t *testing.T) {
		a := &stubReconciler{name: "embedded", err: ErrUnsupportedFormat}
		assert.ErrorIs(t, NewChain(testLogger(), a).Update("x", Payload{}), ErrUnsupportedFormat)
	})
	t.Run("real failure fails", func(t *testing.T) {
		a := &stubReconciler{name: "embedded"}
		b := &stubReconciler{name: "sidecar", err: errors.New("disk full")}
		err := NewChain(testLogger(), a, b).Update("x", Payload{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sidecar: disk full")
	})
}

func TestFromConfig(t *testing.T) {
	assert.Equal(t, "none", FromConfig(config.MetadataConfig{Mode: config.MetadataModeNone}, committer(), testLogger()).Name())
	assert.Equal(t, "chain", FromConfig(config.MetadataConfig{Mode: config.MetadataModeBoth}, committer(), testLogger()).Name())
}
