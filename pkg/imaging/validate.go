package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// Info describes a decoded image.
type Info struct {
	Format string
	Width  int
	Height int
}

// Validate fully decodes data. A header-only check is not enough: truncated
// downloads often carry a valid header.
func Validate(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, fmt.Errorf("%w: empty data", utils.ErrDecode)
	}
	return decode(bytes.NewReader(data))
}

// ValidateFile fully decodes the image at path.
func ValidateFile(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, fmt.Errorf("%w: %s", utils.ErrMissingFile, path)
		}
		return Info{}, fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (Info, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", utils.ErrDecode, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return Info{}, fmt.Errorf("%w: %s image has no pixels", utils.ErrDecode, format)
	}
	return Info{Format: format, Width: b.Dx(), Height: b.Dy()}, nil
}
