// Package texfile writes finished textures to disk as OpenEXR (float) or PNG
// (8-bit) images, and reads back the files it produces.
package texfile

import (
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/tensortex/pkg/texture"
)

// Info is a lightweight description of a texture file on disk.
type Info struct {
	Path          string
	Format        string
	Width, Height int
	Half          bool
	Size          int64
}

// WriteFile writes t to path, choosing the codec from the extension. The
// image is written to a temporary file in the same directory and renamed
// into place, so path is either absent or complete.
func WriteFile(path string, t *texture.Texture, half bool) (err error) {
	var encode func(io.Writer) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".exr":
		encode = func(w io.Writer) error { return WriteEXR(w, t, half) }
	case ".png":
		encode = func(w io.Writer) error { return WritePNG(w, t) }
	default:
		return fmt.Errorf("texfile: unknown image extension %q", filepath.Ext(path))
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if err = encode(f); err != nil {
		return fmt.Errorf("texfile: encode %s: %w", base, err)
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// ReadFile reads a texture written by WriteFile.
func ReadFile(path string) (*texture.Texture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".exr":
		return ReadEXR(f)
	case ".png":
		return ReadPNG(f)
	default:
		return nil, fmt.Errorf("texfile: unknown image extension %q", filepath.Ext(path))
	}
}

// Stat reads only the header of the image at path.
func Stat(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return Info{}, err
	}
	info := Info{Path: path, Size: st.Size()}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".exr":
		h, err := ReadEXRInfo(f)
		if err != nil {
			return Info{}, fmt.Errorf("texfile: %s: %w", path, err)
		}
		info.Format, info.Width, info.Height, info.Half = "exr", h.Width, h.Height, h.Half
	case ".png":
		cfg, err := png.DecodeConfig(f)
		if err != nil {
			return Info{}, fmt.Errorf("texfile: %s: %w", path, err)
		}
		info.Format, info.Width, info.Height = "png", cfg.Width, cfg.Height
	default:
		return Info{}, fmt.Errorf("texfile: unknown image extension %q", filepath.Ext(path))
	}
	return info, nil
}
