// Package export turns named tensors into texture files on disk.
//
// The caller enumerates its tensors as explicit variants (PlainTensor,
// PackedTensor, DerivedTable); the exporter decides which encoding each one
// gets, skips tensors whose files are already in place, and writes the rest
// in parallel.
package export

import (
	"fmt"

	"github.com/samcharles93/tensortex/pkg/packed"
	"github.com/samcharles93/tensortex/pkg/quant"
)

// Kind tags a tensor variant.
type Kind int

const (
	KindPlain Kind = iota
	KindPacked
	KindDerived
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindPacked:
		return "packed"
	case KindDerived:
		return "derived"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Meta is what the exporter knows about a tensor before loading it.
type Meta struct {
	Name  string
	Shape []int
	Kind  Kind
	// Half marks 16-bit sources; their float textures are written as half.
	Half bool
}

// Elements is the product of the shape.
func (m Meta) Elements() int {
	n := 1
	for _, d := range m.Shape {
		n *= d
	}
	return n
}

// Tensor is one named input. Data is loaded lazily so that planning and
// skipping never touch tensor bytes.
type Tensor interface {
	Meta() Meta
}

// PlainTensor is a dense float matrix or vector.
type PlainTensor struct {
	Name  string
	Shape []int
	Half  bool
	Load  func() ([]float32, error)
}

func (t *PlainTensor) Meta() Meta {
	return Meta{Name: t.Name, Shape: t.Shape, Kind: KindPlain, Half: t.Half}
}

// PackedTensor is a pre-quantized layer. Shape is reported as Out x In.
type PackedTensor struct {
	Name    string
	In, Out int
	Load    func() (*packed.Weight, error)
}

func (t *PackedTensor) Meta() Meta {
	return Meta{Name: t.Name, Shape: []int{t.Out, t.In}, Kind: KindPacked}
}

// DerivedTable is a table computed from model configuration rather than
// stored weights, such as rotary embeddings.
type DerivedTable struct {
	Name       string
	Rows, Cols int
	Build      func() (quant.Matrix, error)
}

func (t *DerivedTable) Meta() Meta {
	return Meta{Name: t.Name, Shape: []int{t.Rows, t.Cols}, Kind: KindDerived}
}
