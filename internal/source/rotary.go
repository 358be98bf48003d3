package source

import (
	"math"

	"github.com/samcharles93/tensortex/pkg/quant"
)

// RotaryName is the tensor name of the generated rotary table.
const RotaryName = "model.rotary_emb.weight"

// RotaryCols is the width of a rotary table for dim rotated channels: the
// cosine half and the sine half, each padded to a multiple of 4.
func RotaryCols(dim int) int {
	half := dim / 2
	return 2 * ((half + 3) &^ 3)
}

// RotaryTable builds the positions x RotaryCols(dim) table. Row p holds
// cos(p*f_j) for each frequency f_j = theta^(-2j/dim), padded with ones,
// followed by sin(p*f_j) padded with zeros, so that padded lanes rotate by
// zero radians.
func RotaryTable(theta float64, dim, positions int) quant.Matrix {
	half := dim / 2
	padded := (half + 3) &^ 3
	m := quant.NewMatrix(positions, 2*padded)

	freq := make([]float64, half)
	for j := range freq {
		freq[j] = math.Pow(theta, -float64(2*j)/float64(dim))
	}
	for p := 0; p < positions; p++ {
		row := m.Row(p)
		for j := 0; j < padded; j++ {
			if j >= half {
				row[j] = 1
				continue
			}
			s, c := math.Sincos(float64(p) * freq[j])
			row[j] = float32(c)
			row[padded+j] = float32(s)
		}
	}
	return m
}
