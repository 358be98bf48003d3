package packed

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type layer struct {
	in, out, bits, group int
	codes                []uint8   // in x out
	zeros                []uint8   // groups x out, actual zero points
	scales               []float32 // groups x out
	gidx                 []int32
}

func newLayer(rng *rand.Rand, in, out, bits, group int) *layer {
	mask := 1<<bits - 1
	groups := (in + group - 1) / group
	l := &layer{in: in, out: out, bits: bits, group: group}
	l.codes = make([]uint8, in*out)
	for i := range l.codes {
		l.codes[i] = uint8(rng.Intn(mask + 1))
	}
	l.zeros = make([]uint8, groups*out)
	l.scales = make([]float32, groups*out)
	for i := range l.zeros {
		l.zeros[i] = uint8(rng.Intn(mask + 1))
		l.scales[i] = float32(0.001 + rng.Float64()/100)
	}
	l.gidx = make([]int32, in)
	for i := range l.gidx {
		l.gidx[i] = int32(i / group)
	}
	return l
}

func (l *layer) pack() *Weight {
	per := 32 / l.bits
	mask := uint32(1)<<l.bits - 1
	groups := len(l.scales) / l.out

	qweight := make([]uint32, l.in/per*l.out)
	for i := 0; i < l.in; i++ {
		for o := 0; o < l.out; o++ {
			qweight[(i/per)*l.out+o] |= uint32(l.codes[i*l.out+o]) << (uint(i%per) * uint(l.bits))
		}
	}
	qzeros := make([]uint32, groups*l.out/per)
	for g := 0; g < groups; g++ {
		for o := 0; o < l.out; o++ {
			stored := (uint32(l.zeros[g*l.out+o]) - 1) & mask
			qzeros[g*(l.out/per)+o/per] |= stored << (uint(o%per) * uint(l.bits))
		}
	}

	w := &Weight{
		In:        l.in,
		Out:       l.out,
		Bits:      l.bits,
		GroupSize: l.group,
		QWeight:   make([]int32, len(qweight)),
		QZeros:    make([]int32, len(qzeros)),
		Scales:    append([]float32(nil), l.scales...),
		GIdx:      append([]int32(nil), l.gidx...),
	}
	for i, v := range qweight {
		w.QWeight[i] = int32(v)
	}
	for i, v := range qzeros {
		w.QZeros[i] = int32(v)
	}
	return w
}

func TestUnpackDefaultGrouping(t *testing.T) {
	t.Parallel()

	for _, bits := range []int{1, 2, 4, 8} {
		rng := rand.New(rand.NewSource(int64(bits)))
		l := newLayer(rng, 32, 32, bits, 8)
		res, err := Unpack(l.pack())
		require.NoError(t, err, "bits=%d", bits)
		require.Nil(t, res.Perm)
		require.Nil(t, res.IndexRows())

		mult := uint8(255 / (1<<bits - 1))
		for o := 0; o < l.out; o++ {
			for i := 0; i < l.in; i++ {
				require.Equal(t, l.codes[i*l.out+o]*mult, res.Weight[o*l.in+i], "bits=%d weight (%d,%d)", bits, o, i)
			}
			for g := 0; g < res.Groups; g++ {
				s, z := SplitScale(res.Scale[o*res.Groups+g])
				require.Equal(t, l.zeros[g*l.out+o]*mult, z, "bits=%d zero (%d,%d)", bits, o, g)
				want := float64(l.scales[g*l.out+o]) / float64(mult) * 256
				require.InEpsilon(t, want, float64(s), 1.0/(1<<15))
			}
		}
	}
}

func TestUnpackTwoBitNegativeWords(t *testing.T) {
	t.Parallel()

	l := newLayer(rand.New(rand.NewSource(1)), 16, 16, 2, 4)
	for i := range l.codes {
		l.codes[i] = 3
	}
	w := l.pack()
	require.Less(t, w.QWeight[0], int32(0))

	res, err := Unpack(w)
	require.NoError(t, err)
	for _, b := range res.Weight {
		require.Equal(t, uint8(255), b)
	}
}

func TestUnpackZeroPointWraps(t *testing.T) {
	t.Parallel()

	l := newLayer(rand.New(rand.NewSource(2)), 8, 8, 4, 4)
	// a stored 15 plus one wraps to zero
	for i := range l.zeros {
		l.zeros[i] = 0
	}
	w := l.pack()
	require.Equal(t, int32(-1), w.QZeros[0])

	res, err := Unpack(w)
	require.NoError(t, err)
	for _, v := range res.Scale {
		_, z := SplitScale(v)
		require.Zero(t, z)
	}
}

func TestUnpackShuffledGrouping(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(5))
	l := newLayer(rng, 32, 16, 4, 8)
	rng.Shuffle(len(l.gidx), func(i, j int) { l.gidx[i], l.gidx[j] = l.gidx[j], l.gidx[i] })

	res, err := Unpack(l.pack())
	require.NoError(t, err)
	require.NotNil(t, res.Perm)
	require.Len(t, res.Perm.Forward, l.in)

	// forward order groups rows by their group index, stably
	for i := 1; i < l.in; i++ {
		a, b := res.Perm.Forward[i-1], res.Perm.Forward[i]
		require.LessOrEqual(t, l.gidx[a], l.gidx[b])
		if l.gidx[a] == l.gidx[b] {
			require.Less(t, a, b)
		}
	}

	// composition is the identity
	for i := 0; i < l.in; i++ {
		require.Equal(t, i, res.Perm.Inverse[res.Perm.Forward[i]])
		require.Equal(t, i, res.Perm.Forward[res.Perm.Inverse[i]])
	}

	v := make([]int, l.in)
	for i := range v {
		v[i] = rng.Int()
	}
	require.Equal(t, v, Restore(res.Perm, Apply(res.Perm, v)))

	mult := uint8(17)
	for o := 0; o < l.out; o++ {
		for i := 0; i < l.in; i++ {
			src := res.Perm.Forward[i]
			require.Equal(t, l.codes[src*l.out+o]*mult, res.Weight[o*l.in+i])
		}
	}

	idx := res.IndexRows()
	require.Len(t, idx, 2*l.in)
	for i := 0; i < l.in; i++ {
		require.Equal(t, float32(res.Perm.Forward[i]), idx[i])
		require.Equal(t, float32(res.Perm.Inverse[i]), idx[l.in+i])
	}
}

func TestUnpackRejectsBrokenGroupIndex(t *testing.T) {
	t.Parallel()

	l := newLayer(rand.New(rand.NewSource(9)), 16, 16, 4, 4)
	for i := range l.gidx {
		l.gidx[i] = 0
	}
	_, err := Unpack(l.pack())
	require.ErrorIs(t, err, ErrFormat)
}

func TestUnpackDequantize(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	l := newLayer(rng, 64, 8, 4, 16)
	res, err := Unpack(l.pack())
	require.NoError(t, err)

	got := res.Dequantize()
	for o := 0; o < l.out; o++ {
		for i := 0; i < l.in; i++ {
			g := i / l.group
			want := (float64(l.codes[i*l.out+o]) - float64(l.zeros[g*l.out+o])) * float64(l.scales[g*l.out+o])
			require.InDelta(t, want, float64(got[o*l.in+i]), math.Abs(want)/(1<<14)+1e-9)
		}
	}
}

func TestScaleTexels(t *testing.T) {
	t.Parallel()

	res := &Result{Out: 6, Groups: 2, Scale: []float32{
		1, 2,
		3, 4,
		5, 6,
		7, 8,
		9, 10,
		11, 12,
	}}
	rows, cols, data := res.ScaleTexels()
	require.Equal(t, 2, rows)
	require.Equal(t, 8, cols)
	require.Equal(t, []float32{
		1, 3, 5, 7, 2, 4, 6, 8,
		9, 11, 0, 0, 10, 12, 0, 0,
	}, data)
}

func TestUnpackRejectsConfiguration(t *testing.T) {
	t.Parallel()

	base := func() *Weight {
		return newLayer(rand.New(rand.NewSource(4)), 16, 16, 4, 4).pack()
	}

	w := base()
	w.Bits = 3
	_, err := Unpack(w)
	require.ErrorIs(t, err, ErrConfig)

	w = base()
	w.GroupSize = 6
	_, err = Unpack(w)
	require.ErrorIs(t, err, ErrConfig)

	for _, b := range []Backend{BackendExllama, BackendMarlin} {
		w = base()
		w.Backend = b
		_, err = Unpack(w)
		require.ErrorIs(t, err, ErrUnsupportedBackend)
		require.ErrorIs(t, err, ErrConfig)
	}

	w = base()
	w.Scales = w.Scales[:3]
	_, err = Unpack(w)
	require.ErrorIs(t, err, ErrFormat)
}

func TestNewPermutationRejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := NewPermutation([]int{0, 1, 1})
	require.ErrorIs(t, err, ErrFormat)
	_, err = NewPermutation([]int{0, 3, 1})
	require.ErrorIs(t, err, ErrFormat)

	p, err := NewPermutation([]int{2, 0, 1})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 0}, p.Inverse)
	require.Equal(t, []string{"c", "a", "b"}, Apply(p, []string{"a", "b", "c"}))
}
