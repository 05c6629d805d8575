package imaging

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// PixelFingerprint identifies decoded pixel content independently of how the
// file is encoded around it (metadata segments, chunk order).
type PixelFingerprint struct {
	Width       int
	Height      int
	PixelMode   string
	ContentHash string // hex SHA-256 of the pixels as 16-bit NRGBA
}

// Equal reports whether two fingerprints describe the same pixels.
func (f PixelFingerprint) Equal(o PixelFingerprint) bool {
	return f == o
}

func (f PixelFingerprint) String() string {
	h := f.ContentHash
	if len(h) > 12 {
		h = h[:12]
	}
	return fmt.Sprintf("%dx%d %s %s", f.Width, f.Height, f.PixelMode, h)
}

// Fingerprint decodes the image at path and hashes its pixels.
func Fingerprint(path string) (PixelFingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PixelFingerprint{}, fmt.Errorf("%w: %s", utils.ErrMissingFile, path)
		}
		return PixelFingerprint{}, fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return PixelFingerprint{}, fmt.Errorf("%w: %s: %w", utils.ErrDecode, path, err)
	}
	return FingerprintImage(img), nil
}

// FingerprintImage hashes an already decoded image.
func FingerprintImage(img image.Image) PixelFingerprint {
	b := img.Bounds()
	h := sha256.New()
	var px [8]byte
	binary.BigEndian.PutUint32(px[:4], uint32(b.Dx()))
	binary.BigEndian.PutUint32(px[4:], uint32(b.Dy()))
	h.Write(px[:])

	row := make([]byte, 0, b.Dx()*8)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row = row[:0]
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			row = binary.BigEndian.AppendUint16(row, c.R)
			row = binary.BigEndian.AppendUint16(row, c.G)
			row = binary.BigEndian.AppendUint16(row, c.B)
			row = binary.BigEndian.AppendUint16(row, c.A)
		}
		h.Write(row)
	}

	return PixelFingerprint{
		Width:       b.Dx(),
		Height:      b.Dy(),
		PixelMode:   pixelMode(img),
		ContentHash: hex.EncodeToString(h.Sum(nil)),
	}
}

func pixelMode(img image.Image) string {
	switch img.(type) {
	case *image.RGBA:
		return "RGBA"
	case *image.RGBA64:
		return "RGBA64"
	case *image.NRGBA:
		return "NRGBA"
	case *image.NRGBA64:
		return "NRGBA64"
	case *image.YCbCr:
		return "YCbCr"
	case *image.NYCbCrA:
		return "YCbCrA"
	case *image.Gray:
		return "L"
	case *image.Gray16:
		return "L16"
	case *image.Paletted:
		return "P"
	case *image.CMYK:
		return "CMYK"
	case *image.Alpha:
		return "A"
	case *image.Alpha16:
		return "A16"
	}
	return fmt.Sprintf("%T", img)
}
