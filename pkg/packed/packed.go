// Package packed unpacks GPTQ-style word-packed low-bit weights into 8-bit
// codes plus float scales that carry their zero point in the low mantissa
// byte. It is a format bridge: scales are kept at full precision apart from
// the eight bits that hold the zero point.
package packed

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
)

var (
	// ErrConfig reports an unusable combination of bits, group size or backend.
	ErrConfig = errors.New("packed: invalid configuration")

	// ErrUnsupportedBackend reports a packed layout that reorders the words
	// for a specific kernel.
	ErrUnsupportedBackend = fmt.Errorf("%w: unsupported backend layout", ErrConfig)

	// ErrFormat reports malformed packed data.
	ErrFormat = errors.New("packed: invalid format")
)

// Backend identifies the storage layout the packed words follow.
type Backend int

const (
	BackendDefault Backend = iota
	// BackendExllama is only set by callers building a Weight themselves.
	// Checkpoint configs never select it: exllama options pick runtime
	// kernels and leave the on-disk words in the default layout.
	BackendExllama
	BackendMarlin
)

func (b Backend) String() string {
	switch b {
	case BackendDefault:
		return "default"
	case BackendExllama:
		return "exllama"
	case BackendMarlin:
		return "marlin"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// Weight is one packed linear layer as stored on disk.
type Weight struct {
	// In and Out are the logical input and output feature counts.
	In, Out int

	Bits      int
	GroupSize int
	Backend   Backend

	// QWeight is (In*Bits/32) x Out; word row w holds input rows
	// w*(32/Bits) ... w*(32/Bits)+32/Bits-1, lowest bits first.
	QWeight []int32

	// QZeros is Groups x (Out*Bits/32), packed along the output axis. Values
	// are stored minus one.
	QZeros []int32

	// Scales is Groups x Out.
	Scales []float32

	// GIdx maps every input row to its group.
	GIdx []int32
}

// Groups returns the number of quantization groups along the input axis.
func (w *Weight) Groups() int {
	if w.Out == 0 {
		return 0
	}
	return len(w.Scales) / w.Out
}

func (w *Weight) validate() error {
	switch w.Backend {
	case BackendDefault:
	case BackendExllama, BackendMarlin:
		return fmt.Errorf("%w: %s (repack the checkpoint without kernel-specific layout)", ErrUnsupportedBackend, w.Backend)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedBackend, w.Backend)
	}
	if w.GroupSize <= 0 || w.GroupSize%4 != 0 {
		return fmt.Errorf("%w: group size %d should be a multiple of 4", ErrConfig, w.GroupSize)
	}
	if w.Bits <= 0 || 8%w.Bits != 0 {
		return fmt.Errorf("%w: bits %d should be a divisor of 8", ErrConfig, w.Bits)
	}
	if w.In <= 0 || w.Out <= 0 {
		return fmt.Errorf("%w: shape %dx%d", ErrFormat, w.Out, w.In)
	}

	per := 32 / w.Bits
	if w.In%per != 0 || w.Out%per != 0 {
		return fmt.Errorf("%w: shape %dx%d not a multiple of %d values per word", ErrFormat, w.Out, w.In, per)
	}
	groups := (w.In + w.GroupSize - 1) / w.GroupSize
	if len(w.Scales) != groups*w.Out {
		return fmt.Errorf("%w: scales has %d values, want %d", ErrFormat, len(w.Scales), groups*w.Out)
	}
	if len(w.QWeight) != w.In/per*w.Out {
		return fmt.Errorf("%w: qweight has %d words, want %d", ErrFormat, len(w.QWeight), w.In/per*w.Out)
	}
	if len(w.QZeros) != groups*w.Out/per {
		return fmt.Errorf("%w: qzeros has %d words, want %d", ErrFormat, len(w.QZeros), groups*w.Out/per)
	}
	if len(w.GIdx) != w.In {
		return fmt.Errorf("%w: g_idx has %d entries, want %d", ErrFormat, len(w.GIdx), w.In)
	}
	return nil
}

// Result is the unpacked layer.
type Result struct {
	In, Out   int
	Groups    int
	GroupSize int

	// Weight is Out x In 8-bit codes, input columns in group order.
	Weight []uint8

	// Scale is Out x Groups; each value's low mantissa byte is the zero point.
	Scale []float32

	// Perm is nil when the group index was already contiguous.
	Perm *Permutation
}

// Unpack decodes w.
func Unpack(w *Weight) (*Result, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}

	per := 32 / w.Bits
	mask := uint32(1)<<w.Bits - 1
	mult := uint8(255 / mask)
	groups := w.Groups()

	perm, err := groupPermutation(w.GIdx, w.GroupSize)
	if err != nil {
		return nil, err
	}

	res := &Result{
		In:        w.In,
		Out:       w.Out,
		Groups:    groups,
		GroupSize: w.GroupSize,
		Weight:    make([]uint8, w.Out*w.In),
		Scale:     make([]float32, w.Out*groups),
		Perm:      perm,
	}

	for col := 0; col < w.In; col++ {
		src := col
		if perm != nil {
			src = perm.Forward[col]
		}
		word := w.QWeight[(src/per)*w.Out:]
		shift := uint(src%per) * uint(w.Bits)
		for o := 0; o < w.Out; o++ {
			q := uint8(uint32(word[o])>>shift) & uint8(mask)
			res.Weight[o*w.In+col] = q * mult
		}
	}

	zrow := w.Out / per
	for g := 0; g < groups; g++ {
		for o := 0; o < w.Out; o++ {
			shift := uint(o%per) * uint(w.Bits)
			z := (uint8(uint32(w.QZeros[g*zrow+o/per])>>shift) + 1) & uint8(mask)
			s := w.Scales[g*w.Out+o] / float32(mult) * 256
			res.Scale[o*groups+g] = foldZero(s, z*mult)
		}
	}
	return res, nil
}

// foldZero replaces the low eight mantissa bits of s with z.
func foldZero(s float32, z uint8) float32 {
	return math.Float32frombits(math.Float32bits(s)&0xFFFFFF00 | uint32(z))
}

// SplitScale is the inverse of the folding done by Unpack: it returns the
// scale (with its low byte cleared) and the zero point.
func SplitScale(v float32) (float32, uint8) {
	bits := math.Float32bits(v)
	return math.Float32frombits(bits &^ 0xFF), uint8(bits)
}

// ScaleTexels packs the scales four output rows at a time, like
// quant.Result.ExponentTexels: ceil(Out/4) rows by Groups*4 columns, texel
// (o/4, g) channel o%4 holds the scale of output o, group g.
func (r *Result) ScaleTexels() (rows, cols int, data []float32) {
	rows = (r.Out + 3) / 4
	cols = r.Groups * 4
	data = make([]float32, rows*cols)
	for o := 0; o < r.Out; o++ {
		base := (o/4)*cols + o%4
		for g := 0; g < r.Groups; g++ {
			data[base+g*4] = r.Scale[o*r.Groups+g]
		}
	}
	return rows, cols, data
}

// IndexRows returns a 2 x In float matrix: the forward permutation in row 0
// and the inverse in row 1. Indices are integral but stored as floats for a
// float texture. It returns nil when there is no permutation.
func (r *Result) IndexRows() []float32 {
	if r.Perm == nil {
		return nil
	}
	out := make([]float32, 2*r.In)
	for i, v := range r.Perm.Forward {
		out[i] = float32(v)
	}
	for i, v := range r.Perm.Inverse {
		out[r.In+i] = float32(v)
	}
	return out
}

// Dequantize reconstructs the Out x In float weights (columns in the same
// order as Weight).
func (r *Result) Dequantize() []float32 {
	out := make([]float32, len(r.Weight))
	for o := 0; o < r.Out; o++ {
		for i := 0; i < r.In; i++ {
			s, z := SplitScale(r.Scale[o*r.Groups+i/r.GroupSize])
			q := float32(r.Weight[o*r.In+i]) - float32(z)
			out[o*r.In+i] = q * s / 256
		}
	}
	return out
}

// groupPermutation returns nil if gidx is the default contiguous grouping.
// Otherwise gidx must be a reordering of it; the stable sort order becomes
// the forward permutation.
func groupPermutation(gidx []int32, groupSize int) (*Permutation, error) {
	isDefault := true
	for i, g := range gidx {
		if int(g) != i/groupSize {
			isDefault = false
			break
		}
	}
	if isDefault {
		return nil, nil
	}

	order := make([]int, len(gidx))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return gidx[order[a]] < gidx[order[b]]
	})
	for i, src := range order {
		if int(gidx[src]) != i/groupSize {
			return nil, fmt.Errorf("%w: g_idx is not a permutation of the default grouping", ErrFormat)
		}
	}
	return NewPermutation(order)
}

// Permutation is a reordering of 0..n-1. Applying Forward selects
// v[Forward[i]] into position i; Inverse undoes it.
type Permutation struct {
	Forward []int
	Inverse []int
}

// NewPermutation validates forward and derives its inverse.
func NewPermutation(forward []int) (*Permutation, error) {
	inv := make([]int, len(forward))
	for i := range inv {
		inv[i] = -1
	}
	for i, v := range forward {
		if v < 0 || v >= len(forward) || inv[v] >= 0 {
			return nil, fmt.Errorf("%w: index %d at %d is out of range or repeated", ErrFormat, v, i)
		}
		inv[v] = i
	}
	return &Permutation{Forward: slices.Clone(forward), Inverse: inv}, nil
}

// Apply returns v reordered by the forward permutation.
func Apply[T any](p *Permutation, v []T) []T {
	return gather(p.Forward, v)
}

// Restore returns v reordered by the inverse permutation.
func Restore[T any](p *Permutation, v []T) []T {
	return gather(p.Inverse, v)
}

func gather[T any](idx []int, v []T) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = v[j]
	}
	return out
}
