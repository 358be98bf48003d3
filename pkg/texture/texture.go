// Package texture lays out flat tensors as 4-channel images.
//
// Arrays are padded to whole texels, tiled along the width when wider than
// the maximum texture size, then flipped vertically and swizzled from RGBA to
// BGRA, which is the order the image writers expect.
package texture

import (
	"errors"
	"fmt"
)

// MaxDim is the largest texture width or height the renderer accepts.
const MaxDim = 16384

// Channels per texel.
const Channels = 4

var (
	ErrFormat   = errors.New("texture: invalid format")
	ErrRank     = fmt.Errorf("%w: unsupported array shape", ErrFormat)
	ErrTooLarge = fmt.Errorf("%w: texture exceeds maximum size", ErrFormat)
)

// Kind is the texel storage type.
type Kind int

const (
	KindFloat Kind = iota
	KindByte
)

func (k Kind) String() string {
	if k == KindByte {
		return "u8"
	}
	return "f32"
}

// Array is a 1-, 2- or 3-dimensional row-major input. Exactly one of Float
// and Byte is set.
type Array struct {
	Shape []int
	Float []float32
	Byte  []uint8
}

func FloatArray(data []float32, shape ...int) Array {
	return Array{Shape: shape, Float: data}
}

func ByteArray(data []uint8, shape ...int) Array {
	return Array{Shape: shape, Byte: data}
}

func (a Array) Kind() Kind {
	if a.Byte != nil {
		return KindByte
	}
	return KindFloat
}

func (a Array) len() int {
	if a.Byte != nil {
		return len(a.Byte)
	}
	return len(a.Float)
}

// Texture is a Height x Width x 4 image in file order (flipped and swizzled).
type Texture struct {
	Height, Width int
	Float         []float32
	Byte          []uint8

	// Level is the tiling level; 1<<Level tiles were stacked vertically.
	Level int

	// SrcHeight and SrcWidth are the texel dimensions before tiling.
	SrcHeight, SrcWidth int
}

func (t *Texture) Kind() Kind {
	if t.Byte != nil {
		return KindByte
	}
	return KindFloat
}

// Options controls Layout.
type Options struct {
	MaxDim int
}

func (o Options) maxDim() int {
	if o.MaxDim <= 0 {
		return MaxDim
	}
	return o.MaxDim
}

// Layout converts a into a finished texture.
func Layout(a Array, opts Options) (*Texture, error) {
	if (a.Float == nil) == (a.Byte == nil) {
		return nil, fmt.Errorf("%w: array must carry exactly one of float or byte data", ErrFormat)
	}
	n, err := elements(a.Shape)
	if err != nil {
		return nil, err
	}
	if n != a.len() {
		return nil, fmt.Errorf("%w: shape %v has %d elements, data has %d", ErrFormat, a.Shape, n, a.len())
	}

	t := &Texture{}
	if a.Byte != nil {
		t.Byte, err = layout(t, a.Byte, a.Shape, opts.maxDim())
	} else {
		t.Float, err = layout(t, a.Float, a.Shape, opts.maxDim())
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func layout[T Elem](t *Texture, data []T, shape []int, maxDim int) ([]T, error) {
	h, w, texels, err := normalize(data, shape)
	if err != nil {
		return nil, err
	}
	t.SrcHeight, t.SrcWidth = h, w

	if w > maxDim {
		t.Level = TileLevel(w, maxDim)
		h, w, texels = tile(texels, h, w, t.Level)
	}
	if h > maxDim || w > maxDim {
		return nil, fmt.Errorf("%w: %dx%d after tiling level %d (max %d)", ErrTooLarge, w, h, t.Level, maxDim)
	}

	t.Height, t.Width = h, w
	return finish(texels, h, w), nil
}

// Unfold undoes the flip, swizzle and tiling and returns the padded
// SrcHeight x SrcWidth x 4 texels in logical order.
func (t *Texture) Unfold() *Texture {
	out := &Texture{Height: t.SrcHeight, Width: t.SrcWidth, SrcHeight: t.SrcHeight, SrcWidth: t.SrcWidth}
	if t.Byte != nil {
		out.Byte = untile(finish(t.Byte, t.Height, t.Width), t.Height, t.Width, t.Level, t.SrcWidth)
	} else {
		out.Float = untile(finish(t.Float, t.Height, t.Width), t.Height, t.Width, t.Level, t.SrcWidth)
	}
	return out
}

func elements(shape []int) (int, error) {
	if len(shape) == 0 || len(shape) > 3 {
		return 0, fmt.Errorf("%w: rank %d", ErrRank, len(shape))
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: dimension %d in %v", ErrRank, d, shape)
		}
		n *= d
	}
	return n, nil
}
