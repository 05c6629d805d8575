package fetch

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// AcceptEncoding is what the stealth session advertises; DecodeBody handles all three.
const AcceptEncoding = "gzip, deflate, br"

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DecodeBody wraps resp.Body with a decoder matching its Content-Encoding.
// Unknown or absent encodings return the body unchanged. Closing the result
// closes the underlying body.
func DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return resp.Body, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %w", utils.ErrResponseBodyRead, err)
		}
		return &decodedBody{Reader: gz, closers: []io.Closer{gz, resp.Body}}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, nil
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw
		br := bufio.NewReader(resp.Body)
		if head, err := br.Peek(2); err == nil && isZlibHeader(head) {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, fmt.Errorf("%w: deflate: %w", utils.ErrResponseBodyRead, err)
			}
			return &decodedBody{Reader: zr, closers: []io.Closer{zr, resp.Body}}, nil
		}
		fr := flate.NewReader(br)
		return &decodedBody{Reader: fr, closers: []io.Closer{fr, resp.Body}}, nil
	}
	return resp.Body, nil
}

func isZlibHeader(b []byte) bool {
	return len(b) >= 2 && b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}
