package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ManifestFile is written into every export folder.
const ManifestFile = "manifest.json"

// Status of a tensor in the last run.
const (
	StatusWritten = "written"
	StatusSkipped = "skipped"
)

// Manifest describes the contents of an export folder.
type Manifest struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source,omitempty"`
	Settings  Settings  `json:"settings"`
	Tensors   []Entry   `json:"tensors"`
}

// Settings records the quantizer and layout parameters of the run.
type Settings struct {
	GroupSize    int  `json:"group_size"`
	Asymmetric   bool `json:"asymmetric"`
	ExponentStep int  `json:"exponent_step"`
	MaxDim       int  `json:"max_dim"`
}

// Entry is one tensor in the manifest.
type Entry struct {
	Name      string      `json:"name"`
	Kind      string      `json:"kind"`
	Shape     []int       `json:"shape"`
	Quantized bool        `json:"quantized"`
	Status    string      `json:"status"`
	Files     []FileEntry `json:"files"`
}

// FileEntry is one texture written for a tensor.
type FileEntry struct {
	Name   string `json:"name"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Level  int    `json:"level,omitempty"`
	Half   bool   `json:"half,omitempty"`
}

func (en Entry) lists(file string) bool {
	return slices.ContainsFunc(en.Files, func(f FileEntry) bool { return f.Name == file })
}

// Lookup returns the entry for name.
func (m *Manifest) Lookup(name string) (Entry, bool) {
	i := sort.Search(len(m.Tensors), func(i int) bool { return m.Tensors[i].Name >= name })
	if i < len(m.Tensors) && m.Tensors[i].Name == name {
		return m.Tensors[i], true
	}
	return Entry{}, false
}

func newManifest(source string, s Settings) *Manifest {
	return &Manifest{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Source:    source,
		Settings:  s,
	}
}

// ReadManifest loads dir/manifest.json. A missing file yields an empty
// manifest and no error.
func ReadManifest(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("export: %s: %w", ManifestFile, err)
	}
	sort.Slice(m.Tensors, func(i, j int) bool { return m.Tensors[i].Name < m.Tensors[j].Name })
	return &m, nil
}

// WriteManifest replaces dir/manifest.json.
func WriteManifest(dir string, m *Manifest) error {
	sort.Slice(m.Tensors, func(i, j int) bool { return m.Tensors[i].Name < m.Tensors[j].Name })
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+ManifestFile+".tmp")
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, ManifestFile))
}
