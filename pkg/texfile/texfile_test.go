package texfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tensortex/pkg/texture"
)

func floatTexture(w, h int) *texture.Texture {
	t := &texture.Texture{Width: w, Height: h, SrcWidth: w, SrcHeight: h, Float: make([]float32, w*h*4)}
	for i := range t.Float {
		t.Float[i] = float32(i)*0.25 - 3
	}
	return t
}

func TestEXRRoundTripFloat(t *testing.T) {
	t.Parallel()

	src := floatTexture(5, 3)
	var buf bytes.Buffer
	require.NoError(t, WriteEXR(&buf, src, false))

	info, err := ReadEXRInfo(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, 5, info.Width)
	require.Equal(t, 3, info.Height)
	require.False(t, info.Half)
	require.Equal(t, []string{"A", "B", "G", "R"}, info.Channels)

	got, err := ReadEXR(&buf)
	require.NoError(t, err)
	require.Equal(t, src.Float, got.Float)
}

func TestEXRRoundTripHalf(t *testing.T) {
	t.Parallel()

	// quarter steps in this range are exact in half precision
	src := floatTexture(4, 2)
	var buf bytes.Buffer
	require.NoError(t, WriteEXR(&buf, src, true))

	info, err := ReadEXRInfo(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, info.Half)

	got, err := ReadEXR(&buf)
	require.NoError(t, err)
	require.Equal(t, src.Float, got.Float)
}

func TestEXRWidensBytes(t *testing.T) {
	t.Parallel()

	src := &texture.Texture{Width: 1, Height: 1, Byte: []uint8{1, 2, 3, 255}}
	var buf bytes.Buffer
	require.NoError(t, WriteEXR(&buf, src, false))
	got, err := ReadEXR(&buf)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 255}, got.Float)
}

func TestEXRRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ReadEXR(bytes.NewReader([]byte("definitely not an exr file")))
	require.ErrorIs(t, err, ErrUnsupportedEXR)
}

func TestPNGRoundTripKeepsColorUnderZeroAlpha(t *testing.T) {
	t.Parallel()

	src := &texture.Texture{Width: 2, Height: 1, Byte: []uint8{10, 20, 30, 0, 200, 100, 50, 255}}
	var buf bytes.Buffer
	require.NoError(t, WritePNG(&buf, src))
	got, err := ReadPNG(&buf)
	require.NoError(t, err)
	require.Equal(t, src.Byte, got.Byte)

	require.Error(t, WritePNG(&buf, floatTexture(1, 1)))
}

func TestWriteFileAndStat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	exrPath := filepath.Join(dir, "a.weight.exr")
	pngPath := filepath.Join(dir, "a.weight.q8.png")

	require.NoError(t, WriteFile(exrPath, floatTexture(3, 2), true))
	require.NoError(t, WriteFile(pngPath, &texture.Texture{Width: 3, Height: 2, Byte: make([]uint8, 24)}, false))

	info, err := Stat(exrPath)
	require.NoError(t, err)
	require.Equal(t, "exr", info.Format)
	require.Equal(t, 3, info.Width)
	require.Equal(t, 2, info.Height)
	require.True(t, info.Half)

	info, err = Stat(pngPath)
	require.NoError(t, err)
	require.Equal(t, "png", info.Format)
	require.Equal(t, 3, info.Width)

	got, err := ReadFile(pngPath)
	require.NoError(t, err)
	require.Len(t, got.Byte, 24)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2, "temporary files must not be left behind")

	require.Error(t, WriteFile(filepath.Join(dir, "x.jpg"), floatTexture(1, 1), false))
}

func TestLayoutToEXRPipeline(t *testing.T) {
	t.Parallel()

	data := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	tex, err := texture.Layout(texture.FloatArray(data, 2, 4), texture.Options{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteEXR(&buf, tex, false))
	got, err := ReadEXR(&buf)
	require.NoError(t, err)
	got.Level, got.SrcWidth, got.SrcHeight = tex.Level, tex.SrcWidth, tex.SrcHeight
	require.Equal(t, data, got.Unfold().Float)
}
