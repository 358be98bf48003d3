package export

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrName reports a tensor whose name and rank do not describe a weight or
// bias the renderer can bind.
var ErrName = errors.New("export: unsupported tensor name or rank")

// Output suffixes. The consumer looks files up by these exact names.
const (
	SuffixFloat    = ".exr"
	SuffixByte     = ".png"
	SuffixScale    = ".q8.exr"
	SuffixExponent = ".q8.png"
	SuffixIndex    = ".q8.idx.exr"
)

// GroupAlign is the row alignment a matrix needs to be quantized.
const GroupAlign = 4

var (
	matrixName     = regexp.MustCompile(`\.weight(\.T)?$`)
	vectorName     = regexp.MustCompile(`\.(weight|bias)$`)
	notQuantizable = regexp.MustCompile(`rotary_emb\.weight(\.T)?$`)
)

// Predicate reports whether a tensor should be quantized.
type Predicate func(name string, shape []int) bool

// All quantizes every eligible tensor.
func All() Predicate { return func(string, []int) bool { return true } }

// Never disables quantization.
func Never() Predicate { return func(string, []int) bool { return false } }

// MinSize quantizes tensors with at least mib*2^20 elements.
func MinSize(mib float64) Predicate {
	limit := mib * 1024 * 1024
	return func(_ string, shape []int) bool {
		n := 1.0
		for _, d := range shape {
			n *= float64(d)
		}
		return n >= limit
	}
}

// Decision is the output plan for one tensor.
type Decision struct {
	Meta
	Quantized bool
	// Files lists the output file names in write order.
	Files []string
}

// Possible returns the file names compared against a decision when deciding
// whether a tensor is already exported. The index file is optional and not
// part of the comparison.
func Possible(name string) []string {
	return []string{name + SuffixFloat, name + SuffixByte, name + SuffixScale, name + SuffixExponent}
}

// Decide picks the encoding for t.
func Decide(t Tensor, quantize Predicate) (Decision, error) {
	m := t.Meta()
	if err := checkName(m); err != nil {
		return Decision{}, err
	}

	d := Decision{Meta: m}
	switch {
	case m.Kind == KindPacked:
		d.Files = []string{m.Name + SuffixByte, m.Name + SuffixScale, m.Name + SuffixIndex}
	case quantizable(m, quantize):
		d.Quantized = true
		d.Files = []string{m.Name + SuffixFloat, m.Name + SuffixExponent}
	default:
		d.Files = []string{m.Name + SuffixFloat}
	}
	return d, nil
}

func checkName(m Meta) error {
	if m.Name == "" || strings.ContainsAny(m.Name, `/\`) {
		return fmt.Errorf("%w: %q", ErrName, m.Name)
	}
	switch len(m.Shape) {
	case 2:
		if matrixName.MatchString(m.Name) {
			return nil
		}
	case 1:
		if m.Kind != KindPacked && vectorName.MatchString(m.Name) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %v", ErrName, m.Name, m.Shape)
}

func quantizable(m Meta, quantize Predicate) bool {
	if m.Kind != KindPlain || len(m.Shape) != 2 {
		return false
	}
	if !matrixName.MatchString(m.Name) || notQuantizable.MatchString(m.Name) {
		return false
	}
	if m.Shape[0]%GroupAlign != 0 {
		return false
	}
	return quantize != nil && quantize(m.Name, m.Shape)
}
