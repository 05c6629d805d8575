package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func sampleImage(shade uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.NRGBA{R: shade, G: uint8(x * 20), B: uint8(y * 30), A: 255})
		}
	}
	return img
}

func TestValidate(t *testing.T) {
	data := encodePNG(t, sampleImage(10))

	info, err := Validate(data)
	require.NoError(t, err)
	assert.Equal(t, Info{Format: "png", Width: 8, Height: 6}, info)

	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, sampleImage(10), nil))
	info, err = Validate(jpg.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", info.Format)
}

func TestValidate_Rejects(t *testing.T) {
	data := encodePNG(t, sampleImage(10))

	tests := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"HTML", []byte("<html><body>Access denied</body></html>")},
		{"Truncated", data[:len(data)/2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.data)
			assert.True(t, errors.Is(err, utils.ErrDecode), "got %v", err)
		})
	}
}

func TestValidateFile_Missing(t *testing.T) {
	_, err := ValidateFile(filepath.Join(t.TempDir(), "nope.png"))
	assert.True(t, errors.Is(err, utils.ErrMissingFile))
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	c := filepath.Join(dir, "c.png")

	require.NoError(t, os.WriteFile(a, encodePNG(t, sampleImage(10)), 0o644))
	// Same pixels, different encoder settings
	var best bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	require.NoError(t, enc.Encode(&best, sampleImage(10)))
	require.NoError(t, os.WriteFile(b, best.Bytes(), 0o644))
	require.NoError(t, os.WriteFile(c, encodePNG(t, sampleImage(11)), 0o644))

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	fc, err := Fingerprint(c)
	require.NoError(t, err)

	assert.True(t, fa.Equal(fb), "re-encoding must not change the fingerprint")
	assert.False(t, fa.Equal(fc), "a changed pixel must change the fingerprint")
	assert.Equal(t, 8, fa.Width)
	assert.Equal(t, 6, fa.Height)
	assert.Equal(t, "RGBA", fa.PixelMode) // opaque PNGs decode as RGBA
	assert.Len(t, fa.ContentHash, 64)
	assert.Contains(t, fa.String(), "8x6 RGBA")
}

func TestFingerprint_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := Fingerprint(filepath.Join(dir, "missing.png"))
	assert.True(t, errors.Is(err, utils.ErrMissingFile))

	bad := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))
	_, err = Fingerprint(bad)
	assert.True(t, errors.Is(err, utils.ErrDecode))
}
