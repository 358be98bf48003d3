package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is a safetensors element type name.
type DType string

const (
	F64  DType = "F64"
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	I64  DType = "I64"
	I32  DType = "I32"
	I16  DType = "I16"
	I8   DType = "I8"
	U8   DType = "U8"
	Bool DType = "BOOL"
)

// Size is the element width in bytes, or 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case F64, I64:
		return 8
	case F32, I32:
		return 4
	case F16, BF16, I16:
		return 2
	case I8, U8, Bool:
		return 1
	}
	return 0
}

// Float reports whether d is a floating point type.
func (d DType) Float() bool {
	return d == F64 || d == F32 || d == F16 || d == BF16
}

// Half reports whether d is a 16-bit float.
func (d DType) Half() bool {
	return d == F16 || d == BF16
}

func decodeFloat32(d DType, raw []byte) ([]float32, error) {
	switch d {
	case F32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case F64:
		out := make([]float32, len(raw)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return out, nil
	case F16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case BF16:
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a float type", ErrDType, d)
	}
}

func decodeInt32(d DType, raw []byte) ([]int32, error) {
	switch d {
	case I32:
		out := make([]int32, len(raw)/4)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case I64:
		out := make([]int32, len(raw)/8)
		for i := range out {
			v := int64(binary.LittleEndian.Uint64(raw[i*8:]))
			if v < math.MinInt32 || v > math.MaxInt32 {
				return nil, fmt.Errorf("%w: I64 value %d overflows int32", ErrDType, v)
			}
			out[i] = int32(v)
		}
		return out, nil
	case I16:
		out := make([]int32, len(raw)/2)
		for i := range out {
			out[i] = int32(int16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
		return out, nil
	case I8:
		out := make([]int32, len(raw))
		for i, b := range raw {
			out[i] = int32(int8(b))
		}
		return out, nil
	case U8, Bool:
		out := make([]int32, len(raw))
		for i, b := range raw {
			out[i] = int32(b)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is not an integer type", ErrDType, d)
	}
}
