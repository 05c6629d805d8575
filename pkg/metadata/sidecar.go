package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/img-refetch/pkg/utils"
)

// SidecarSuffix is appended to an image path to name its metadata file.
const SidecarSuffix = ".meta.yaml"

// SidecarPath returns the sidecar file for an image.
func SidecarPath(imagePath string) string { return imagePath + SidecarSuffix }

// Sidecar keeps metadata in a YAML file next to the image. Keys it does not
// own, comments and key order in an existing file are preserved.
type Sidecar struct {
	now func() time.Time
}

// NewSidecar creates a Sidecar reconciler.
func NewSidecar() *Sidecar { return &Sidecar{now: time.Now} }

func (s *Sidecar) Name() string { return "sidecar" }

// Update merges p into the image's sidecar file, creating it if needed. Empty
// payload fields leave existing values alone.
func (s *Sidecar) Update(imagePath string, p Payload) error {
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("%w: %s", utils.ErrMissingFile, imagePath)
	}
	path := SidecarPath(imagePath)

	var doc yaml.Node
	raw, err := os.ReadFile(path)
	switch {
	case err == nil && len(bytes.TrimSpace(raw)) > 0:
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("%w: YAML sidecar %s: %w", utils.ErrParsing, path, err)
		}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: read %s: %w", utils.ErrFilesystem, path, err)
	}
	root := mappingRoot(&doc)
	if root == nil {
		return fmt.Errorf("%w: YAML sidecar %s is not a mapping", utils.ErrParsing, path)
	}

	for _, f := range p.Clean().fields() {
		var value yaml.Node
		if err := value.Encode(f.value); err != nil {
			return fmt.Errorf("%w: encoding %s: %w", utils.ErrParsing, f.key, err)
		}
		setKey(root, f.key, &value)
	}
	if lookupKey(root, "asset_id") == nil {
		setKey(root, "asset_id", scalar(uuid.NewString()))
	}
	setKey(root, "updated_at", scalar(s.now().UTC().Format(time.RFC3339)))

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("%w: encoding sidecar: %w", utils.ErrParsing, err)
	}
	_ = enc.Close()

	tmp := utils.TempPathBeside(path, "write")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %w", utils.ErrFilesystem, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %w", utils.ErrFilesystem, path, err)
	}
	return nil
}

// ReadSidecar loads the sidecar of an image into a Payload. Unknown keys are
// ignored. A missing sidecar returns an empty payload.
func ReadSidecar(imagePath string) (Payload, error) {
	raw, err := os.ReadFile(SidecarPath(imagePath))
	if errors.Is(err, os.ErrNotExist) {
		return Payload{}, nil
	}
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %w", utils.ErrFilesystem, err)
	}
	var p Payload
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: YAML sidecar: %w", utils.ErrParsing, err)
	}
	return p, nil
}

// mappingRoot returns the top-level mapping of doc, initializing an empty
// document. It returns nil when the document holds something else.
func mappingRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind == 0 {
		doc.Kind = yaml.DocumentNode
	}
	if doc.Kind != yaml.DocumentNode {
		return nil
	}
	if len(doc.Content) == 0 {
		doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"})
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	return root
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func lookupKey(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// setKey replaces the value of key in m, keeping the key's position and
// comments, or appends it.
func setKey(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			old := m.Content[i+1]
			value.HeadComment, value.LineComment, value.FootComment = old.HeadComment, old.LineComment, old.FootComment
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content, scalar(key), value)
}
