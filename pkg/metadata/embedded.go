package metadata

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// EmbedKey marks the metadata block this package owns inside an image: the
// prefix of a JPEG COM segment, or the keyword of a PNG iTXt chunk.
const EmbedKey = "img-refetch"

// ErrUnsupportedFormat is returned for image formats without an embedding.
var ErrUnsupportedFormat = errors.New("metadata embedding not supported for this format")

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Editor applies an edit to a staged copy of path and swaps it in only when the
// pixels are unchanged. *commit.Committer satisfies it.
type Editor interface {
	GuardedEdit(path string, edit func(stagedPath string) error) error
}

// Embedded stores metadata as JSON inside the image file: a COM segment for
// JPEG, an iTXt chunk for PNG. Only its own block is replaced; every other
// segment or chunk is copied unchanged. Writes go through a pixel guard.
type Embedded struct {
	editor Editor
	now    func() time.Time
}

// NewEmbedded creates an Embedded reconciler writing through editor.
func NewEmbedded(editor Editor) *Embedded {
	return &Embedded{editor: editor, now: time.Now}
}

func (e *Embedded) Name() string { return "embedded" }

// Update merges p into the embedded block. Keys in an existing block that p
// does not set are kept.
func (e *Embedded) Update(path string, p Payload) error {
	return e.editor.GuardedEdit(path, func(staged string) error {
		data, err := os.ReadFile(staged)
		if err != nil {
			return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
		}
		out, err := e.rewrite(data, p.Clean())
		if err != nil {
			return err
		}
		if err := os.WriteFile(staged, out, 0o644); err != nil {
			return fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
		}
		return nil
	})
}

func (e *Embedded) rewrite(data []byte, p Payload) ([]byte, error) {
	switch {
	case isJPEG(data):
		existing, err := jpegBlock(data)
		if err != nil {
			return nil, err
		}
		block, err := e.merge(existing, p)
		if err != nil {
			return nil, err
		}
		return jpegWithBlock(data, block)
	case isPNG(data):
		existing, err := pngBlock(data)
		if err != nil {
			return nil, err
		}
		block, err := e.merge(existing, p)
		if err != nil {
			return nil, err
		}
		return pngWithBlock(data, block)
	}
	return nil, ErrUnsupportedFormat
}

func (e *Embedded) merge(existing []byte, p Payload) ([]byte, error) {
	m := make(map[string]any)
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &m); err != nil {
			// A corrupt block of ours is replaced rather than preserved.
			m = make(map[string]any)
		}
	}
	for _, f := range p.fields() {
		m[f.key] = f.value
	}
	if _, ok := m["asset_id"]; !ok {
		m["asset_id"] = uuid.NewString()
	}
	m["updated_at"] = e.now().UTC().Format(time.RFC3339)
	return json.Marshal(m)
}

// ReadEmbedded returns the embedded block of an image as a generic map, or nil
// when there is none.
func ReadEmbedded(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	var block []byte
	switch {
	case isJPEG(data):
		block, err = jpegBlock(data)
	case isPNG(data):
		block, err = pngBlock(data)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil || block == nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := json.Unmarshal(block, &m); err != nil {
		return nil, fmt.Errorf("%w: JSON metadata block: %w", utils.ErrParsing, err)
	}
	return m, nil
}

func isJPEG(b []byte) bool { return len(b) > 3 && b[0] == 0xFF && b[1] == 0xD8 }
func isPNG(b []byte) bool  { return bytes.HasPrefix(b, pngSignature) }

// --- JPEG ---

const (
	markerSOS = 0xDA
	markerEOI = 0xD9
	markerCOM = 0xFE
)

var jpegPrefix = []byte(EmbedKey + ":")

type jpegSegment struct {
	marker byte
	raw    []byte // full segment including the 0xFF marker bytes
}

// jpegSegments splits the header of a JPEG into segments up to (not including)
// the SOS marker. rest is everything from SOS on.
func jpegSegments(data []byte) (segs []jpegSegment, rest []byte, err error) {
	i := 2
	for i < len(data) {
		if data[i] != 0xFF {
			return nil, nil, fmt.Errorf("%w: JPEG marker expected at offset %d", utils.ErrParsing, i)
		}
		for i+1 < len(data) && data[i+1] == 0xFF {
			i++ // fill bytes
		}
		if i+1 >= len(data) {
			break
		}
		marker := data[i+1]
		if marker == markerSOS || marker == markerEOI {
			return segs, data[i:], nil
		}
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			segs = append(segs, jpegSegment{marker: marker, raw: data[i : i+2]})
			i += 2
			continue
		}
		if i+4 > len(data) {
			break
		}
		n := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if n < 2 || i+2+n > len(data) {
			return nil, nil, fmt.Errorf("%w: JPEG segment length %d at offset %d", utils.ErrParsing, n, i)
		}
		segs = append(segs, jpegSegment{marker: marker, raw: data[i : i+2+n]})
		i += 2 + n
	}
	return nil, nil, fmt.Errorf("%w: JPEG ends before image data", utils.ErrParsing)
}

func ownCOM(s jpegSegment) bool {
	return s.marker == markerCOM && bytes.HasPrefix(s.raw[4:], jpegPrefix)
}

func jpegBlock(data []byte) ([]byte, error) {
	segs, _, err := jpegSegments(data)
	if err != nil {
		return nil, err
	}
	for _, s := range segs {
		if ownCOM(s) {
			return bytes.Clone(s.raw[4+len(jpegPrefix):]), nil
		}
	}
	return nil, nil
}

// jpegWithBlock drops any previous block of ours and inserts a new COM segment
// after the leading APPn segments.
func jpegWithBlock(data, block []byte) ([]byte, error) {
	payload := append(append([]byte(nil), jpegPrefix...), block...)
	if len(payload)+2 > 0xFFFF {
		return nil, fmt.Errorf("metadata block too large for a JPEG segment (%d bytes)", len(payload))
	}
	segs, rest, err := jpegSegments(data)
	if err != nil {
		return nil, err
	}

	com := make([]byte, 4, 4+len(payload))
	com[0], com[1] = 0xFF, markerCOM
	binary.BigEndian.PutUint16(com[2:], uint16(len(payload)+2))
	com = append(com, payload...)

	var out bytes.Buffer
	out.Grow(len(data) + len(com))
	out.Write(data[:2])
	inserted := false
	for _, s := range segs {
		if ownCOM(s) {
			continue
		}
		if !inserted && !(s.marker >= 0xE0 && s.marker <= 0xEF) {
			out.Write(com)
			inserted = true
		}
		out.Write(s.raw)
	}
	if !inserted {
		out.Write(com)
	}
	out.Write(rest)
	return out.Bytes(), nil
}

// --- PNG ---

type pngChunk struct {
	typ  string
	data []byte
	raw  []byte
}

func pngChunks(data []byte) ([]pngChunk, error) {
	var chunks []pngChunk
	i := len(pngSignature)
	for i+12 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[i : i+4]))
		if i+12+n > len(data) {
			return nil, fmt.Errorf("%w: PNG chunk length %d at offset %d", utils.ErrParsing, n, i)
		}
		typ := string(data[i+4 : i+8])
		chunks = append(chunks, pngChunk{typ: typ, data: data[i+8 : i+8+n], raw: data[i : i+12+n]})
		i += 12 + n
		if typ == "IEND" {
			return chunks, nil
		}
	}
	return nil, fmt.Errorf("%w: PNG has no IEND chunk", utils.ErrParsing)
}

// iTXt layout: keyword 0 compression-flag compression-method language 0 translated 0 text
func ownITXt(c pngChunk) ([]byte, bool) {
	if c.typ != "iTXt" {
		return nil, false
	}
	prefix := []byte(EmbedKey + "\x00\x00\x00")
	if !bytes.HasPrefix(c.data, prefix) {
		return nil, false
	}
	rest := c.data[len(prefix):]
	for k := 0; k < 2; k++ { // language tag, translated keyword
		idx := bytes.IndexByte(rest, 0)
		if idx < 0 {
			return nil, false
		}
		rest = rest[idx+1:]
	}
	return rest, true
}

func pngBlock(data []byte) ([]byte, error) {
	chunks, err := pngChunks(data)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if text, ok := ownITXt(c); ok {
			return bytes.Clone(text), nil
		}
	}
	return nil, nil
}

func makeChunk(typ string, body []byte) []byte {
	out := make([]byte, 8, 12+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:8], typ)
	out = append(out, body...)
	crc := crc32.NewIEEE()
	crc.Write(out[4:])
	return binary.BigEndian.AppendUint32(out, crc.Sum32())
}

// pngWithBlock drops any previous block of ours and inserts a new iTXt chunk
// before the first IDAT.
func pngWithBlock(data, block []byte) ([]byte, error) {
	chunks, err := pngChunks(data)
	if err != nil {
		return nil, err
	}
	body := append([]byte(EmbedKey+"\x00\x00\x00\x00\x00"), block...)
	itxt := makeChunk("iTXt", body)

	var out bytes.Buffer
	out.Grow(len(data) + len(itxt))
	out.Write(pngSignature)
	inserted := false
	for _, c := range chunks {
		if _, ok := ownITXt(c); ok {
			continue
		}
		if !inserted && (c.typ == "IDAT" || c.typ == "IEND") {
			out.Write(itxt)
			inserted = true
		}
		out.Write(c.raw)
	}
	return out.Bytes(), nil
}
