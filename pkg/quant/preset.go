package quant

// Exponent limits before the preset offset is applied. With offsets of
// +/-85 the three presets occupy disjoint ranges of a signed byte, which is
// what lets a decoder recover the preset from the stored exponent alone.
const (
	MinExponent = -42
	MaxExponent = 42
)

// Preset is one zero-point convention a group can be encoded under.
// Min and Max bound the normalised mantissa; Offset biases the stored
// exponent so the decoder knows which convention was used.
type Preset struct {
	Name   string
	Min    float64
	Max    float64
	Offset int
}

var (
	Symmetric    = Preset{Name: "symmetric", Min: -127.0 / 256, Max: 127.0 / 256, Offset: 0}
	PositiveSkew = Preset{Name: "positive", Min: -63.0 / 256, Max: 191.0 / 256, Offset: 85}
	NegativeSkew = Preset{Name: "negative", Min: -191.0 / 256, Max: 63.0 / 256, Offset: -85}
)

// Presets returns the candidate presets in selection order. Ties are
// resolved in favour of the earlier entry, so the symmetric preset wins
// whenever it is at least as good.
func Presets(asymmetric bool) []Preset {
	if !asymmetric {
		return []Preset{Symmetric}
	}
	return []Preset{Symmetric, PositiveSkew, NegativeSkew}
}

// EncodeExponent biases expo by the preset offset and stores it as a signed byte.
func EncodeExponent(expo int, p Preset) uint8 {
	return uint8(int8(expo + p.Offset))
}

// DecodeExponent reverses EncodeExponent for the built-in presets.
func DecodeExponent(b uint8) (int, Preset) {
	s := int(int8(b))
	switch {
	case s > MaxExponent:
		return s - PositiveSkew.Offset, PositiveSkew
	case s < MinExponent:
		return s - NegativeSkew.Offset, NegativeSkew
	default:
		return s, Symmetric
	}
}

// encodeMantissa maps a normalised mantissa onto the UNORM range used by the
// texture. Values that round below zero wrap to the top of the byte range;
// the exponent offset tells the decoder where the wrap point sits.
func encodeMantissa(m float64) float64 {
	v := m / (255.0 / 256.0)
	if v < -1.0/510 {
		v += 1
	}
	return v
}

// decodeMantissa maps a stored UNORM value back to the normalised mantissa
// of preset p, rounded to 8-bit resolution.
func decodeMantissa(v float64, p Preset) float64 {
	b := v * 255
	if b > p.Max*256+0.5 {
		b -= 255
	}
	return roundEven(b) / 256
}

// mantissaByte is the 8-bit view of a stored mantissa.
func mantissaByte(v float32) uint8 {
	b := roundEven(float64(v) * 255)
	switch {
	case b < 0:
		return 0
	case b > 255:
		return 255
	default:
		return uint8(b)
	}
}

// decodeMantissaByte is decodeMantissa for the 8-bit view.
func decodeMantissaByte(b uint8, p Preset) float64 {
	n := int(b)
	if n > int(p.Max*256) {
		n -= 255
	}
	return float64(n) / 256
}
