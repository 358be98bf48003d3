package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// IndexFile is the shard index written by Hugging Face for sharded models.
const IndexFile = "model.safetensors.index.json"

type index struct {
	WeightMap map[string]string `json:"weight_map"`
}

// Model is a merged view over one or more safetensors files.
type Model struct {
	Dir   string
	Files []*File

	byName map[string]*File
}

// OpenModel opens path, which is either a .safetensors file, a directory
// with IndexFile, or a directory whose *.safetensors files are merged.
func OpenModel(path string) (*Model, error) {
	if path == "" {
		return nil, errors.New("safetensors: empty path")
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		if !strings.EqualFold(filepath.Ext(path), ".safetensors") {
			return nil, fmt.Errorf("safetensors: expected a .safetensors file: %s", path)
		}
		return openFiles(filepath.Dir(path), []string{path})
	}

	shards, err := shardList(path)
	if err != nil {
		return nil, err
	}
	m, err := openFiles(path, shards)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func shardList(dir string) ([]string, error) {
	b, err := os.ReadFile(filepath.Join(dir, IndexFile))
	switch {
	case err == nil:
		var idx index
		if err := json.Unmarshal(b, &idx); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrFormat, IndexFile, err)
		}
		if len(idx.WeightMap) == 0 {
			return nil, fmt.Errorf("%w: %s has an empty weight_map", ErrFormat, IndexFile)
		}
		seen := make(map[string]bool)
		var out []string
		for _, shard := range idx.WeightMap {
			if shard == "" || filepath.Base(shard) != shard {
				return nil, fmt.Errorf("%w: %s: bad shard name %q", ErrFormat, IndexFile, shard)
			}
			if !seen[shard] {
				seen[shard] = true
				out = append(out, filepath.Join(dir, shard))
			}
		}
		sort.Strings(out)
		return out, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	out, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("safetensors: no .safetensors files in %s", dir)
	}
	sort.Strings(out)
	return out, nil
}

func openFiles(dir string, paths []string) (*Model, error) {
	m := &Model{Dir: dir, byName: make(map[string]*File)}
	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.Files = append(m.Files, f)
		for name := range f.Tensors {
			if prev, dup := m.byName[name]; dup {
				_ = m.Close()
				return nil, fmt.Errorf("%w: tensor %q appears in %s and %s", ErrFormat, name, filepath.Base(prev.Path), filepath.Base(p))
			}
			m.byName[name] = f
		}
	}
	return m, nil
}

func (m *Model) Close() error {
	var first error
	for _, f := range m.Files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Names returns every tensor name in sorted order.
func (m *Model) Names() []string {
	out := make([]string, 0, len(m.byName))
	for name := range m.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Model) Info(name string) (TensorInfo, bool) {
	f, ok := m.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[name], true
}

func (m *Model) file(name string) (*File, error) {
	f, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, nil
}

func (m *Model) Float32(name string) ([]float32, TensorInfo, error) {
	f, err := m.file(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	return f.Float32(name)
}

func (m *Model) Int32(name string) ([]int32, TensorInfo, error) {
	f, err := m.file(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	return f.Int32(name)
}
