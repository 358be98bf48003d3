// Package quant implements shared-exponent 8-bit block quantization.
//
// A matrix is split into groups of GroupSize elements along each row. Every
// group stores one exponent byte and GroupSize mantissas; the exponent is
// chosen per preset so the group's extremes fit the preset's mantissa range,
// and the preset with the smallest worst-case reconstruction error wins.
package quant

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrConfig = errors.New("quant: invalid configuration")
	ErrShape  = errors.New("quant: invalid matrix shape")
)

// Options controls Quantize. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	// GroupSize is the number of elements sharing one exponent. It must be a
	// multiple of 4 so every group covers whole texels.
	GroupSize int

	// Asymmetric enables the skewed presets in addition to the symmetric one.
	Asymmetric bool

	// ExponentStep is the number of exponent steps per octave.
	ExponentStep int
}

func DefaultOptions() Options {
	return Options{GroupSize: 4, Asymmetric: true, ExponentStep: 2}
}

func (o Options) validate() error {
	if o.GroupSize <= 0 || o.GroupSize%4 != 0 {
		return fmt.Errorf("%w: group size %d is not a positive multiple of 4", ErrConfig, o.GroupSize)
	}
	if o.ExponentStep <= 0 {
		return fmt.Errorf("%w: exponent step %d must be positive", ErrConfig, o.ExponentStep)
	}
	return nil
}

// Group is the outcome of quantizing a single group.
type Group struct {
	// Preset is the index of the winning preset in the candidate list.
	Preset int

	// Exponent is the unbiased exponent of the winning preset.
	Exponent int

	// Mantissa holds the clamped, normalised mantissas (not yet rounded).
	Mantissa []float64

	// Err is the worst-case absolute reconstruction error of the winner.
	Err float64

	// Candidates holds the worst-case error of every preset, in order.
	Candidates []float64
}

// QuantizeGroup picks the best preset for vals. vals must already be padded
// to the group size.
func QuantizeGroup(vals []float32, presets []Preset, step int) Group {
	lo, hi := 0.0, 0.0
	for _, v := range vals {
		lo = min(lo, float64(v))
		hi = max(hi, float64(v))
	}

	best := Group{Preset: -1, Candidates: make([]float64, len(presets))}
	mant := make([]float64, len(vals))
	for i, p := range presets {
		expo := groupExponent(lo, hi, p, step)
		scale := math.Exp2(float64(expo) / float64(step))

		worst := 0.0
		for j, v := range vals {
			m := clamp(float64(v)/scale, p.Min, p.Max)
			mant[j] = m
			worst = max(worst, math.Abs(roundEven(m*256)/256*scale-float64(v)))
		}
		best.Candidates[i] = worst

		if best.Preset < 0 || worst < best.Err {
			best.Preset = i
			best.Exponent = expo
			best.Err = worst
			best.Mantissa = append(best.Mantissa[:0], mant...)
		}
	}
	return best
}

// groupExponent returns the smallest exponent (in 1/step octaves) at which
// both lo and hi fit inside p's mantissa range, clamped to the legal range.
func groupExponent(lo, hi float64, p Preset, step int) int {
	r := max(lo/p.Min, hi/p.Max)
	e := math.Ceil(float64(step) * math.Log2(r))
	if math.IsNaN(e) || e < MinExponent {
		return MinExponent
	}
	if e > MaxExponent {
		return MaxExponent
	}
	return int(e)
}

// Result is a quantized matrix.
type Result struct {
	Rows, Cols int
	GroupSize  int
	Step       int

	// Groups is the number of groups per row.
	Groups int

	// MantCols is Cols rounded up to a multiple of 4.
	MantCols int

	// Mantissa is Rows x MantCols UNORM values (byte/255), ready for a float
	// texture.
	Mantissa []float32

	// Exponent is Rows x Groups biased exponent bytes.
	Exponent []uint8
}

// Quantize converts m into mantissa and exponent arrays.
func Quantize(m Matrix, opts Options) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := m.check(); err != nil {
		return nil, err
	}

	presets := Presets(opts.Asymmetric)
	g := opts.GroupSize
	groups := (m.Cols + g - 1) / g
	mantCols := align4(m.Cols)

	res := &Result{
		Rows:      m.Rows,
		Cols:      m.Cols,
		GroupSize: g,
		Step:      opts.ExponentStep,
		Groups:    groups,
		MantCols:  mantCols,
		Mantissa:  make([]float32, m.Rows*mantCols),
		Exponent:  make([]uint8, m.Rows*groups),
	}

	buf := make([]float32, g)
	for r := 0; r < m.Rows; r++ {
		row := m.Row(r)
		for gi := 0; gi < groups; gi++ {
			start := gi * g
			n := copy(buf, row[start:min(start+g, len(row))])
			clear(buf[n:])

			q := QuantizeGroup(buf, presets, opts.ExponentStep)
			p := presets[q.Preset]
			res.Exponent[r*groups+gi] = EncodeExponent(q.Exponent, p)

			out := res.Mantissa[r*mantCols:]
			for j, mv := range q.Mantissa {
				c := start + j
				if c >= mantCols {
					break
				}
				out[c] = float32(encodeMantissa(mv))
			}
		}
	}
	return res, nil
}

// MantissaBytes returns the 8-bit view of the mantissa array.
func (r *Result) MantissaBytes() []uint8 {
	out := make([]uint8, len(r.Mantissa))
	for i, v := range r.Mantissa {
		out[i] = mantissaByte(v)
	}
	return out
}

// ExponentTexels packs the exponents four rows at a time: the returned
// matrix has ceil(Rows/4) rows and Groups*4 columns, and texel (r/4, g)
// channel r%4 holds the exponent of row r, group g. Missing rows are zero.
func (r *Result) ExponentTexels() (rows, cols int, data []uint8) {
	rows = (r.Rows + 3) / 4
	cols = r.Groups * 4
	data = make([]uint8, rows*cols)
	for row := 0; row < r.Rows; row++ {
		base := (row/4)*cols + row%4
		for g := 0; g < r.Groups; g++ {
			data[base+g*4] = r.Exponent[row*r.Groups+g]
		}
	}
	return rows, cols, data
}

// Decode reconstructs the matrix from the float mantissa container.
func (r *Result) Decode() Matrix {
	return r.decode(func(i int, p Preset) float64 {
		return decodeMantissa(float64(r.Mantissa[i]), p)
	})
}

// DecodeBytes reconstructs the matrix from the 8-bit mantissa view.
func (r *Result) DecodeBytes() Matrix {
	b := r.MantissaBytes()
	return r.decode(func(i int, p Preset) float64 {
		return decodeMantissaByte(b[i], p)
	})
}

func (r *Result) decode(mant func(i int, p Preset) float64) Matrix {
	out := NewMatrix(r.Rows, r.Cols)
	for row := 0; row < r.Rows; row++ {
		dst := out.Row(row)
		for c := range dst {
			expo, p := DecodeExponent(r.Exponent[row*r.Groups+c/r.GroupSize])
			scale := math.Exp2(float64(expo) / float64(r.Step))
			dst[c] = float32(mant(row*r.MantCols+c, p) * scale)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func roundEven(v float64) float64 {
	return math.RoundToEven(v)
}
