package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tensortex/pkg/packed"
	"github.com/samcharles93/tensortex/pkg/quant"
	"github.com/samcharles93/tensortex/pkg/texfile"
)

func plain(name string, data []float32, shape ...int) *PlainTensor {
	return &PlainTensor{Name: name, Shape: shape, Load: func() ([]float32, error) { return data, nil }}
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%17)/8 - 1
	}
	return out
}

// packedLayer is a 4-bit 8x8 layer with two groups; shuffled swaps the
// group assignment of input rows 0 and 4.
func packedLayer(name string, shuffled bool) *PackedTensor {
	w := &packed.Weight{
		In: 8, Out: 8, Bits: 4, GroupSize: 4,
		QWeight: make([]int32, 8),
		QZeros:  []int32{0x77777777, 0x77777777},
		Scales:  make([]float32, 16),
		GIdx:    []int32{0, 0, 0, 0, 1, 1, 1, 1},
	}
	for i := range w.QWeight {
		w.QWeight[i] = int32(0x76543210 + i)
	}
	for i := range w.Scales {
		w.Scales[i] = 0.01 * float32(i+1)
	}
	if shuffled {
		w.GIdx = []int32{1, 0, 0, 0, 0, 1, 1, 1}
	}
	return &PackedTensor{Name: name, In: 8, Out: 8, Load: func() (*packed.Weight, error) { return w, nil }}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		tensor    Tensor
		quantize  Predicate
		files     []string
		quantized bool
		err       error
	}{
		{"packed", packedLayer("l.weight", false), nil,
			[]string{"l.weight.png", "l.weight.q8.exr", "l.weight.q8.idx.exr"}, false, nil},
		{"quantized", plain("l.weight", nil, 8, 16), All(),
			[]string{"l.weight.exr", "l.weight.q8.png"}, true, nil},
		{"transposed", plain("wte.weight.T", nil, 8, 16), All(),
			[]string{"wte.weight.T.exr", "wte.weight.T.q8.png"}, true, nil},
		{"predicate off", plain("l.weight", nil, 8, 16), Never(),
			[]string{"l.weight.exr"}, false, nil},
		{"nil predicate", plain("l.weight", nil, 8, 16), nil,
			[]string{"l.weight.exr"}, false, nil},
		{"rows unaligned", plain("l.weight", nil, 6, 16), All(),
			[]string{"l.weight.exr"}, false, nil},
		{"bias", plain("l.bias", nil, 16), All(),
			[]string{"l.bias.exr"}, false, nil},
		{"norm vector", plain("norm.weight", nil, 16), All(),
			[]string{"norm.weight.exr"}, false, nil},
		{"rotary", plain("model.rotary_emb.weight", nil, 8, 4), All(),
			[]string{"model.rotary_emb.weight.exr"}, false, nil},
		{"derived", &DerivedTable{Name: "pos.weight", Rows: 8, Cols: 8}, All(),
			[]string{"pos.weight.exr"}, false, nil},
		{"matrix bias", plain("l.bias", nil, 4, 4), All(), nil, false, ErrName},
		{"unknown suffix", plain("l.scale", nil, 4), All(), nil, false, ErrName},
		{"rank 3", plain("l.weight", nil, 2, 2, 4), All(), nil, false, ErrName},
		{"path in name", plain("../x.weight", nil, 4), All(), nil, false, ErrName},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, err := Decide(tc.tensor, tc.quantize)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.files, d.Files)
			require.Equal(t, tc.quantized, d.Quantized)
		})
	}
}

func TestMinSize(t *testing.T) {
	t.Parallel()
	p := MinSize(0.5)
	require.True(t, p("a", []int{1024, 512}))
	require.False(t, p("a", []int{1023, 512}))
	require.True(t, MinSize(0)("a", []int{1}))
}

func TestPlanRejectsDuplicates(t *testing.T) {
	t.Parallel()
	_, err := Plan([]Tensor{plain("a.bias", nil, 4), plain("a.bias", nil, 4)}, nil)
	require.ErrorIs(t, err, ErrDuplicate)
}

func newExporter(t *testing.T, dir string, q Predicate, force bool) *Exporter {
	t.Helper()
	e, err := New(Options{Dir: dir, Quantize: q, Force: force, Workers: 3})
	require.NoError(t, err)
	return e
}

func entryByName(t *testing.T, m *Manifest, name string) Entry {
	t.Helper()
	e, ok := m.Lookup(name)
	require.True(t, ok, "missing manifest entry %s", name)
	return e
}

func TestRunWritesEveryVariant(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "out")

	bias := []float32{1, 2, 3, 4, 5}
	tensors := []Tensor{
		plain("l.bias", bias, 5),
		plain("l.weight", ramp(8*12), 8, 12),
		packedLayer("q.weight", true),
		packedLayer("p.weight", false),
		&DerivedTable{Name: "model.rotary_emb.weight", Rows: 3, Cols: 8, Build: func() (quant.Matrix, error) {
			return quant.NewMatrix(3, 8), nil
		}},
	}

	man, err := newExporter(t, dir, All(), false).Run(context.Background(), tensors)
	require.NoError(t, err)
	require.NotEmpty(t, man.RunID)
	require.Len(t, man.Tensors, 5)

	for _, f := range []string{
		"l.bias.exr",
		"l.weight.exr", "l.weight.q8.png",
		"q.weight.png", "q.weight.q8.exr", "q.weight.q8.idx.exr",
		"p.weight.png", "p.weight.q8.exr",
		"model.rotary_emb.weight.exr",
		ManifestFile,
	} {
		require.FileExists(t, filepath.Join(dir, f))
	}
	require.NoFileExists(t, filepath.Join(dir, "p.weight.q8.idx.exr"))

	// the bias round-trips through layout and the EXR codec
	tex, err := texfile.ReadFile(filepath.Join(dir, "l.bias.exr"))
	require.NoError(t, err)
	require.Equal(t, 1, tex.Height)
	require.Equal(t, 2, tex.Width)
	tex.SrcHeight, tex.SrcWidth = 1, 2
	require.Equal(t, []float32{1, 2, 3, 4, 5, 0, 0, 0}, tex.Unfold().Float)

	e := entryByName(t, man, "l.weight")
	require.True(t, e.Quantized)
	require.Equal(t, StatusWritten, e.Status)
	require.Len(t, e.Files, 2)
	require.Equal(t, FileEntry{Name: "l.weight.q8.png", Width: 3, Height: 2}, e.Files[1])

	q := entryByName(t, man, "q.weight")
	require.Equal(t, "packed", q.Kind)
	require.Len(t, q.Files, 3)

	onDisk, err := ReadManifest(dir)
	require.NoError(t, err)
	require.Equal(t, man.RunID, onDisk.RunID)
	require.Len(t, onDisk.Tensors, 5)
}

func TestRunSkipsAndForces(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tensors := []Tensor{plain("l.weight", ramp(4*8), 4, 8), plain("l.bias", []float32{1, 2, 3, 4}, 4)}

	first, err := newExporter(t, dir, All(), false).Run(context.Background(), tensors)
	require.NoError(t, err)

	loads := 0
	counting := &PlainTensor{Name: "l.weight", Shape: []int{4, 8}, Load: func() ([]float32, error) {
		loads++
		return ramp(32), nil
	}}
	tensors[0] = counting

	second, err := newExporter(t, dir, All(), false).Run(context.Background(), tensors)
	require.NoError(t, err)
	require.Zero(t, loads, "up-to-date tensors must not be loaded")
	e := entryByName(t, second, "l.weight")
	require.Equal(t, StatusSkipped, e.Status)
	require.Equal(t, entryByName(t, first, "l.weight").Files, e.Files)
	require.NotEqual(t, first.RunID, second.RunID)

	forced, err := newExporter(t, dir, All(), true).Run(context.Background(), tensors)
	require.NoError(t, err)
	require.Equal(t, 1, loads)
	require.Equal(t, StatusWritten, entryByName(t, forced, "l.weight").Status)
}

func TestRunReplacesStaleOutputs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tensors := []Tensor{plain("l.weight", ramp(4*8), 4, 8)}

	_, err := newExporter(t, dir, All(), false).Run(context.Background(), tensors)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "l.weight.q8.png"))

	// switching off quantization changes the expected set; the leftover index
	// file from some other encoding is swept along with the exponent texture
	require.NoError(t, os.WriteFile(filepath.Join(dir, "l.weight.q8.idx.exr"), []byte("stale"), 0o644))

	man, err := newExporter(t, dir, Never(), false).Run(context.Background(), tensors)
	require.NoError(t, err)
	require.Equal(t, StatusWritten, entryByName(t, man, "l.weight").Status)
	require.FileExists(t, filepath.Join(dir, "l.weight.exr"))
	require.NoFileExists(t, filepath.Join(dir, "l.weight.q8.png"))
	require.NoFileExists(t, filepath.Join(dir, "l.weight.q8.idx.exr"))

	info, err := texfile.Stat(filepath.Join(dir, "l.weight.exr"))
	require.NoError(t, err)
	require.Equal(t, 2, info.Width)
	require.Equal(t, 4, info.Height)
}

func TestRunStopsOnFirstError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	boom := errors.New("boom")
	tensors := []Tensor{
		&PlainTensor{Name: "a.bias", Shape: []int{4}, Load: func() ([]float32, error) { return nil, boom }},
		plain("b.bias", []float32{1, 2, 3, 4}, 4),
	}

	e, err := New(Options{Dir: dir, Workers: 1})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), tensors)
	require.ErrorIs(t, err, boom)
	require.NoFileExists(t, filepath.Join(dir, "b.bias.exr"))

	man, err := ReadManifest(dir)
	require.NoError(t, err)
	require.NotEmpty(t, man.RunID)
	require.Empty(t, man.Tensors)
}

func TestRunRewritesTensorsMissingFromManifest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bias := plain("b.bias", []float32{1, 2, 3, 4}, 4)

	_, err := newExporter(t, dir, nil, false).Run(context.Background(), []Tensor{bias})
	require.NoError(t, err)

	// a failing run records only what it completed, which drops b.bias
	boom := errors.New("boom")
	failing := &PlainTensor{Name: "a.bias", Shape: []int{4}, Load: func() ([]float32, error) { return nil, boom }}
	e, err := New(Options{Dir: dir, Workers: 1})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), []Tensor{failing, bias})
	require.ErrorIs(t, err, boom)
	require.FileExists(t, filepath.Join(dir, "b.bias.exr"))

	man, err := newExporter(t, dir, nil, false).Run(context.Background(), []Tensor{bias})
	require.NoError(t, err)
	require.Equal(t, StatusWritten, entryByName(t, man, "b.bias").Status)
}

func TestRunRebuildsWhenSettingsChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tensors := []Tensor{plain("l.weight", ramp(4*32), 4, 32), plain("l.bias", []float32{1, 2, 3, 4}, 4)}
	run := func(groupSize, maxDim int) *Manifest {
		t.Helper()
		e, err := New(Options{
			Dir:      dir,
			Quantize: All(),
			Quant:    quant.Options{GroupSize: groupSize, Asymmetric: true, ExponentStep: 2},
			MaxDim:   maxDim,
		})
		require.NoError(t, err)
		man, err := e.Run(context.Background(), tensors)
		require.NoError(t, err)
		return man
	}
	exponentWidth := func() int {
		t.Helper()
		info, err := texfile.Stat(filepath.Join(dir, "l.weight.q8.png"))
		require.NoError(t, err)
		return info.Width
	}

	run(4, 0)
	require.Equal(t, 8, exponentWidth())

	man := run(16, 0)
	require.Equal(t, 16, man.Settings.GroupSize)
	require.Equal(t, StatusWritten, entryByName(t, man, "l.weight").Status)
	require.Equal(t, StatusSkipped, entryByName(t, man, "l.bias").Status)
	require.Equal(t, 2, exponentWidth())

	man = run(16, 0)
	require.Equal(t, StatusSkipped, entryByName(t, man, "l.weight").Status)

	// the tile limit shapes every texture
	man = run(16, 8)
	require.Equal(t, StatusWritten, entryByName(t, man, "l.weight").Status)
	require.Equal(t, StatusWritten, entryByName(t, man, "l.bias").Status)
	require.Equal(t, 8, man.Settings.MaxDim)
}

func TestRunChecksPackedIndexFile(t *testing.T) {
	t.Parallel()

	t.Run("missing index is rewritten", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		tensors := []Tensor{packedLayer("l.weight", true)}
		_, err := newExporter(t, dir, nil, false).Run(context.Background(), tensors)
		require.NoError(t, err)
		idx := filepath.Join(dir, "l.weight.q8.idx.exr")
		require.NoError(t, os.Remove(idx))

		man, err := newExporter(t, dir, nil, false).Run(context.Background(), tensors)
		require.NoError(t, err)
		require.Equal(t, StatusWritten, entryByName(t, man, "l.weight").Status)
		require.FileExists(t, idx)
	})

	t.Run("unexpected index is removed", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		tensors := []Tensor{packedLayer("l.weight", false)}
		_, err := newExporter(t, dir, nil, false).Run(context.Background(), tensors)
		require.NoError(t, err)
		idx := filepath.Join(dir, "l.weight.q8.idx.exr")
		require.NoFileExists(t, idx)
		require.NoError(t, os.WriteFile(idx, []byte("stale"), 0o644))

		man, err := newExporter(t, dir, nil, false).Run(context.Background(), tensors)
		require.NoError(t, err)
		require.Equal(t, StatusWritten, entryByName(t, man, "l.weight").Status)
		require.NoFileExists(t, idx)
	})

	t.Run("complete set is skipped", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		tensors := []Tensor{packedLayer("l.weight", true)}
		_, err := newExporter(t, dir, nil, false).Run(context.Background(), tensors)
		require.NoError(t, err)

		man, err := newExporter(t, dir, nil, false).Run(context.Background(), tensors)
		require.NoError(t, err)
		require.Equal(t, StatusSkipped, entryByName(t, man, "l.weight").Status)
	})
}

func TestRunRejectsLayoutFailures(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	e, err := New(Options{Dir: dir, MaxDim: 4})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), []Tensor{plain("l.weight", make([]float32, 5*4), 5, 4)})
	require.Error(t, err)
}

func TestRunHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newExporter(t, t.TempDir(), nil, false).Run(ctx, []Tensor{plain("a.bias", []float32{1}, 1)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresDir(t *testing.T) {
	t.Parallel()
	_, err := New(Options{})
	require.Error(t, err)
}
