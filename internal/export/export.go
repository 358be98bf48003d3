package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/tensortex/internal/logger"
	"github.com/samcharles93/tensortex/pkg/packed"
	"github.com/samcharles93/tensortex/pkg/quant"
	"github.com/samcharles93/tensortex/pkg/texfile"
	"github.com/samcharles93/tensortex/pkg/texture"
)

// ErrDuplicate reports two tensors with the same output name.
var ErrDuplicate = errors.New("export: duplicate tensor name")

// Options configures an Exporter.
type Options struct {
	// Dir is the output folder. It is created if missing.
	Dir string
	// Source is recorded in the manifest.
	Source string
	// Force rewrites tensors whose files already match their decision.
	Force bool
	// Quantize selects plain matrices for block quantization. Nil means none.
	Quantize Predicate
	Quant    quant.Options
	MaxDim   int
	// Workers bounds the number of tensors converted at once. Zero means
	// GOMAXPROCS.
	Workers int
	Logger  logger.Logger
}

// Exporter writes tensors into an export folder.
type Exporter struct {
	opts Options
	log  logger.Logger
}

// New validates opts and returns an Exporter.
func New(opts Options) (*Exporter, error) {
	if opts.Dir == "" {
		return nil, errors.New("export: output directory is required")
	}
	if opts.Quant == (quant.Options{}) {
		opts.Quant = quant.DefaultOptions()
	}
	if opts.MaxDim <= 0 {
		opts.MaxDim = texture.MaxDim
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Exporter{opts: opts, log: log}, nil
}

// Plan decides every tensor without touching the file system.
func Plan(tensors []Tensor, quantize Predicate) ([]Decision, error) {
	seen := make(map[string]bool, len(tensors))
	out := make([]Decision, 0, len(tensors))
	for _, t := range tensors {
		d, err := Decide(t, quantize)
		if err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, d.Name)
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out, nil
}

// Run exports tensors and rewrites the folder manifest. The first failing
// tensor cancels the rest; files of tensors that completed stay in place and
// the manifest written on failure lists only those tensors.
func (e *Exporter) Run(ctx context.Context, tensors []Tensor) (*Manifest, error) {
	plan, err := Plan(tensors, e.opts.Quantize)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
		return nil, err
	}
	prev, err := ReadManifest(e.opts.Dir)
	if err != nil {
		e.log.Warn("ignoring unreadable manifest", "dir", e.opts.Dir, "error", err)
		prev = &Manifest{}
	}

	man := newManifest(e.opts.Source, e.settings())
	man.Tensors = make([]Entry, len(plan))

	start := time.Now()
	e.log.Info("export started", "run", man.RunID, "dir", e.opts.Dir, "tensors", len(plan), "workers", e.opts.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i := range plan {
		d, t := plan[i], tensors[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry, err := e.export(d, t, prev)
			if err != nil {
				return fmt.Errorf("export %s: %w", d.Name, err)
			}
			man.Tensors[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Error("export failed", "run", man.RunID, "error", err)
		man.Tensors = slices.DeleteFunc(man.Tensors, func(en Entry) bool { return en.Name == "" })
		if werr := WriteManifest(e.opts.Dir, man); werr != nil {
			e.log.Warn("could not record completed tensors", "error", werr)
		}
		return nil, err
	}

	if err := WriteManifest(e.opts.Dir, man); err != nil {
		return nil, fmt.Errorf("export: write manifest: %w", err)
	}
	e.log.Info("export finished", "run", man.RunID, "elapsed", time.Since(start).Round(time.Millisecond))
	return man, nil
}

func (e *Exporter) export(d Decision, t Tensor, prev *Manifest) (Entry, error) {
	log := e.log.With("tensor", d.Name)
	entry := Entry{Name: d.Name, Kind: d.Kind.String(), Shape: d.Shape, Quantized: d.Quantized}

	upToDate, err := e.upToDate(d, prev)
	if err != nil {
		return Entry{}, err
	}
	if upToDate {
		log.Debug("skipped, outputs present")
		entry.Status = StatusSkipped
		if old, ok := prev.Lookup(d.Name); ok {
			entry.Files = old.Files
		} else {
			entry.Files = e.present(d.Files)
		}
		return entry, nil
	}

	if err := e.removeStale(d.Name); err != nil {
		return Entry{}, err
	}

	var textures []output
	switch {
	case d.Kind == KindPacked:
		textures, err = e.packedTextures(t.(*PackedTensor))
	case d.Quantized:
		textures, err = e.quantizedTextures(d, t.(*PlainTensor))
	default:
		textures, err = e.floatTextures(d, t)
	}
	if err != nil {
		return Entry{}, err
	}

	for _, o := range textures {
		tex, err := texture.Layout(o.array, texture.Options{MaxDim: e.opts.MaxDim})
		if err != nil {
			return Entry{}, fmt.Errorf("%s: %w", o.file, err)
		}
		if err := texfile.WriteFile(filepath.Join(e.opts.Dir, o.file), tex, o.half); err != nil {
			return Entry{}, err
		}
		log.Debug("wrote texture", "file", o.file, "width", tex.Width, "height", tex.Height, "level", tex.Level)
		entry.Files = append(entry.Files, FileEntry{
			Name:   o.file,
			Width:  tex.Width,
			Height: tex.Height,
			Level:  tex.Level,
			Half:   o.half && tex.Kind() == texture.KindFloat,
		})
	}
	entry.Status = StatusWritten
	log.Info("exported", "kind", d.Kind, "shape", d.Shape, "quantized", d.Quantized, "files", len(entry.Files))
	return entry, nil
}

func (e *Exporter) settings() Settings {
	return Settings{
		GroupSize:    e.opts.Quant.GroupSize,
		Asymmetric:   e.opts.Quant.Asymmetric,
		ExponentStep: e.opts.Quant.ExponentStep,
		MaxDim:       e.opts.MaxDim,
	}
}

// upToDate reports whether d's outputs can be kept. For every possible file
// its existence must match the decision. When the folder has a manifest, the
// tensor must also be recorded there with the same kind and quantization,
// the run settings that shape its textures must be unchanged, and a packed
// tensor's index file must exist exactly when the entry lists it. Folders
// without a manifest fall back to the file check alone.
func (e *Exporter) upToDate(d Decision, prev *Manifest) (bool, error) {
	if e.opts.Force {
		return false, nil
	}
	want := make(map[string]bool, len(d.Files))
	for _, f := range d.Files {
		want[f] = true
	}
	for _, f := range Possible(d.Name) {
		exists, err := fileExists(filepath.Join(e.opts.Dir, f))
		if err != nil {
			return false, err
		}
		if exists != want[f] {
			return false, nil
		}
	}
	if prev.RunID == "" {
		return true, nil
	}

	old, ok := prev.Lookup(d.Name)
	if !ok || old.Kind != d.Kind.String() || old.Quantized != d.Quantized {
		return false, nil
	}
	if e.settingsChanged(d, prev.Settings) {
		return false, nil
	}
	if d.Kind == KindPacked {
		idx := d.Name + SuffixIndex
		exists, err := fileExists(filepath.Join(e.opts.Dir, idx))
		if err != nil {
			return false, err
		}
		if exists != old.lists(idx) {
			return false, nil
		}
	}
	return true, nil
}

// settingsChanged reports whether d's textures depend on a setting that
// differs from the run that wrote them. MaxDim decides tiling for every
// tensor; the quantizer settings only matter for quantized ones.
func (e *Exporter) settingsChanged(d Decision, old Settings) bool {
	cur := e.settings()
	if old.MaxDim != cur.MaxDim {
		return true
	}
	return d.Quantized && (old.GroupSize != cur.GroupSize ||
		old.Asymmetric != cur.Asymmetric ||
		old.ExponentStep != cur.ExponentStep)
}

func (e *Exporter) removeStale(name string) error {
	for _, f := range append(Possible(name), name+SuffixIndex) {
		err := os.Remove(filepath.Join(e.opts.Dir, f))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (e *Exporter) present(files []string) []FileEntry {
	var out []FileEntry
	for _, f := range files {
		if ok, _ := fileExists(filepath.Join(e.opts.Dir, f)); ok {
			out = append(out, FileEntry{Name: f})
		}
	}
	return out
}

type output struct {
	file  string
	array texture.Array
	half  bool
}

func (e *Exporter) packedTextures(t *PackedTensor) ([]output, error) {
	w, err := t.Load()
	if err != nil {
		return nil, err
	}
	res, err := packed.Unpack(w)
	if err != nil {
		return nil, err
	}
	rows, cols, scales := res.ScaleTexels()
	out := []output{
		{file: t.Name + SuffixByte, array: texture.ByteArray(res.Weight, res.Out, res.In)},
		{file: t.Name + SuffixScale, array: texture.FloatArray(scales, rows, cols)},
	}
	if idx := res.IndexRows(); idx != nil {
		out = append(out, output{file: t.Name + SuffixIndex, array: texture.FloatArray(idx, 2, res.In)})
	}
	return out, nil
}

func (e *Exporter) quantizedTextures(d Decision, t *PlainTensor) ([]output, error) {
	data, err := t.Load()
	if err != nil {
		return nil, err
	}
	m := quant.Matrix{Rows: d.Shape[0], Cols: d.Shape[1], Data: data}
	res, err := quant.Quantize(m, e.opts.Quant)
	if err != nil {
		return nil, err
	}
	rows, cols, expo := res.ExponentTexels()
	return []output{
		{file: d.Name + SuffixFloat, array: texture.FloatArray(res.Mantissa, res.Rows, res.MantCols), half: d.Half},
		{file: d.Name + SuffixExponent, array: texture.ByteArray(expo, rows, cols)},
	}, nil
}

func (e *Exporter) floatTextures(d Decision, t Tensor) ([]output, error) {
	var data []float32
	switch v := t.(type) {
	case *PlainTensor:
		var err error
		if data, err = v.Load(); err != nil {
			return nil, err
		}
	case *DerivedTable:
		m, err := v.Build()
		if err != nil {
			return nil, err
		}
		if m.Rows != v.Rows || m.Cols != v.Cols {
			return nil, fmt.Errorf("derived table is %dx%d, declared %dx%d", m.Rows, m.Cols, v.Rows, v.Cols)
		}
		data = m.Data
	default:
		return nil, fmt.Errorf("unexpected tensor type %T", t)
	}
	return []output{{file: d.Name + SuffixFloat, array: texture.FloatArray(data, d.Shape...), half: d.Half}}, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
