// Package source enumerates the tensors of a safetensors checkpoint as
// export variants: plain weights, GPTQ packed layers and derived tables.
package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samcharles93/tensortex/internal/export"
	"github.com/samcharles93/tensortex/internal/logger"
	"github.com/samcharles93/tensortex/internal/safetensors"
	"github.com/samcharles93/tensortex/pkg/packed"
	"github.com/samcharles93/tensortex/pkg/quant"
)

var ErrConfig = errors.New("source: invalid model configuration")

// DefaultMaxPositions caps the rotary table height.
const DefaultMaxPositions = 16384

// Suffixes of the four tensors that make up one packed layer.
const (
	suffixQWeight = ".qweight"
	suffixQZeros  = ".qzeros"
	suffixScales  = ".scales"
	suffixGIdx    = ".g_idx"
)

// Options controls Tensors.
type Options struct {
	// Rotary adds a generated rotary table named RotaryName.
	Rotary       bool
	MaxPositions int

	// Transpose lists 2-D tensors exported transposed under "<name>.T".
	Transpose []string

	Logger logger.Logger
}

// Source is an open checkpoint.
type Source struct {
	Dir    string
	Model  *safetensors.Model
	Config *Config
}

// Open opens a checkpoint directory or a single .safetensors file. The
// configuration is read from the same directory.
func Open(path string) (*Source, error) {
	m, err := safetensors.OpenModel(path)
	if err != nil {
		return nil, err
	}
	dir := path
	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		dir = filepath.Dir(path)
	}
	cfg, err := LoadConfig(dir)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	return &Source{Dir: dir, Model: m, Config: cfg}, nil
}

func (s *Source) Close() error { return s.Model.Close() }

// Name is the checkpoint's folder name, used for default output paths.
func (s *Source) Name() string {
	return filepath.Base(filepath.Clean(s.Dir))
}

// Tensors lists the checkpoint as export variants sorted by name.
func (s *Source) Tensors(opts Options) ([]export.Tensor, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	names := s.Model.Names()
	consumed := make(map[string]bool)
	var out []export.Tensor

	for _, name := range names {
		prefix, ok := strings.CutSuffix(name, suffixQWeight)
		if !ok {
			continue
		}
		pt, err := s.packedTensor(prefix)
		if err != nil {
			return nil, err
		}
		for _, suf := range []string{suffixQWeight, suffixQZeros, suffixScales, suffixGIdx} {
			consumed[prefix+suf] = true
		}
		out = append(out, pt)
	}

	transpose := make(map[string]bool, len(opts.Transpose))
	for _, n := range opts.Transpose {
		info, ok := s.Model.Info(n)
		if !ok {
			return nil, fmt.Errorf("source: transpose: %w: %s", safetensors.ErrNotFound, n)
		}
		if len(info.Shape) != 2 {
			return nil, fmt.Errorf("%w: cannot transpose %s with shape %v", ErrConfig, n, info.Shape)
		}
		transpose[n] = true
	}

	for _, name := range names {
		if consumed[name] {
			continue
		}
		info, _ := s.Model.Info(name)
		if !info.DType.Float() {
			log.Warn("skipping non-float tensor", "tensor", name, "dtype", info.DType)
			continue
		}
		if opts.Rotary && strings.HasSuffix(name, "rotary_emb.inv_freq") {
			log.Debug("replaced by generated rotary table", "tensor", name)
			continue
		}
		if !strings.HasSuffix(name, ".weight") && !strings.HasSuffix(name, ".bias") {
			log.Warn("skipping tensor that is neither weight nor bias", "tensor", name, "shape", info.Shape)
			continue
		}
		if transpose[name] {
			out = append(out, s.transposed(info))
			continue
		}
		out = append(out, s.plain(info))
	}

	if opts.Rotary {
		dt, err := s.rotary(opts.MaxPositions)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Meta().Name < out[j].Meta().Name })
	return out, nil
}

func (s *Source) plain(info safetensors.TensorInfo) *export.PlainTensor {
	name := info.Name
	return &export.PlainTensor{
		Name:  name,
		Shape: info.Shape,
		Half:  info.DType.Half(),
		Load: func() ([]float32, error) {
			data, _, err := s.Model.Float32(name)
			return data, err
		},
	}
}

func (s *Source) transposed(info safetensors.TensorInfo) *export.PlainTensor {
	name := info.Name
	rows, cols := info.Shape[0], info.Shape[1]
	return &export.PlainTensor{
		Name:  name + ".T",
		Shape: []int{cols, rows},
		Half:  info.DType.Half(),
		Load: func() ([]float32, error) {
			data, _, err := s.Model.Float32(name)
			if err != nil {
				return nil, err
			}
			return quant.Matrix{Rows: rows, Cols: cols, Data: data}.Transpose().Data, nil
		},
	}
}

func (s *Source) packedTensor(prefix string) (*export.PackedTensor, error) {
	q := s.Config.Quantization
	if q == nil || q.Bits == 0 || q.GroupSize == 0 {
		return nil, fmt.Errorf("%w: %s%s present but no bits/group_size in quantization config", ErrConfig, prefix, suffixQWeight)
	}
	for _, suf := range []string{suffixQZeros, suffixScales} {
		if _, ok := s.Model.Info(prefix + suf); !ok {
			return nil, fmt.Errorf("source: packed layer %s: %w: %s", prefix, safetensors.ErrNotFound, prefix+suf)
		}
	}
	qw, _ := s.Model.Info(prefix + suffixQWeight)
	if len(qw.Shape) != 2 || 32%q.Bits != 0 {
		return nil, fmt.Errorf("%w: %s%s shape %v with %d bits", ErrConfig, prefix, suffixQWeight, qw.Shape, q.Bits)
	}
	in, out := qw.Shape[0]*32/q.Bits, qw.Shape[1]

	return &export.PackedTensor{
		Name: prefix + ".weight",
		In:   in,
		Out:  out,
		Load: func() (*packed.Weight, error) {
			w := &packed.Weight{In: in, Out: out, Bits: q.Bits, GroupSize: q.GroupSize, Backend: q.Backend()}
			var err error
			if w.QWeight, _, err = s.Model.Int32(prefix + suffixQWeight); err != nil {
				return nil, err
			}
			if w.QZeros, _, err = s.Model.Int32(prefix + suffixQZeros); err != nil {
				return nil, err
			}
			if w.Scales, _, err = s.Model.Float32(prefix + suffixScales); err != nil {
				return nil, err
			}
			if _, ok := s.Model.Info(prefix + suffixGIdx); ok {
				if w.GIdx, _, err = s.Model.Int32(prefix + suffixGIdx); err != nil {
					return nil, err
				}
			} else {
				w.GIdx = defaultGroups(in, q.GroupSize)
			}
			return w, nil
		},
	}, nil
}

func defaultGroups(n, groupSize int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i / groupSize)
	}
	return out
}

func (s *Source) rotary(maxPositions int) (*export.DerivedTable, error) {
	cfg := s.Config
	dim := cfg.RotaryDim()
	if cfg.RopeTheta <= 0 || dim <= 0 {
		return nil, fmt.Errorf("%w: rotary table needs rope_theta and a head dimension", ErrConfig)
	}
	if maxPositions <= 0 {
		maxPositions = DefaultMaxPositions
	}
	rows := maxPositions
	if cfg.MaxPositionEmbeddings > 0 {
		rows = min(rows, cfg.MaxPositionEmbeddings)
	}
	return &export.DerivedTable{
		Name: RotaryName,
		Rows: rows,
		Cols: RotaryCols(dim),
		Build: func() (quant.Matrix, error) {
			return RotaryTable(cfg.RopeTheta, dim, rows), nil
		},
	}, nil
}
