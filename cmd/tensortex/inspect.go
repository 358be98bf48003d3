package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tensortex/internal/export"
	"github.com/samcharles93/tensortex/internal/logger"
	"github.com/samcharles93/tensortex/internal/source"
	"github.com/samcharles93/tensortex/pkg/texfile"
)

func inspectCmd() *cli.Command {
	flags := []cli.Flag{inputFlag(false), outputFlag()}
	flags = append(flags, quantizeFlags()...)
	flags = append(flags, sourceFlags()...)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the export plan for a checkpoint, or the contents of an export folder",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyExportConfig(cmd, configFrom(ctx))
			w := cmd.Root().Writer
			if w == nil {
				w = os.Stdout
			}

			switch {
			case inputPath != "":
				src, err := source.Open(inputPath)
				if err != nil {
					return fmt.Errorf("open %s: %w", inputPath, err)
				}
				defer func() { _ = src.Close() }()

				tensors, err := src.Tensors(sourceOptions(log))
				if err != nil {
					return err
				}
				plan, err := export.Plan(tensors, quantizePredicate())
				if err != nil {
					return err
				}
				return renderPlan(w, plan, strings.TrimSpace(outputPath))
			case outputPath != "":
				return renderFolder(w, outputPath)
			default:
				return errors.New("inspect needs --input, --output or both")
			}
		},
	}
}

// renderPlan prints one row per tensor. When dir is set, each expected file
// is marked with whether it is already present there.
func renderPlan(w io.Writer, plan []export.Decision, dir string) error {
	var data [][]string
	for _, d := range plan {
		files := make([]string, 0, len(d.Files))
		for _, f := range d.Files {
			if dir != "" {
				if _, err := os.Stat(filepath.Join(dir, f)); err == nil {
					f += " ✓"
				}
			}
			files = append(files, f)
		}
		data = append(data, []string{
			d.Name,
			d.Kind.String(),
			formatShape(d.Shape),
			precision(d),
			strings.Join(files, ", "),
		})
	}

	table := newTable(w, []string{"NAME", "KIND", "SHAPE", "FORMAT", "FILES"})
	table.AppendBulk(data)
	table.Render()
	return nil
}

// renderFolder prints every texture recorded in an export folder's manifest.
func renderFolder(w io.Writer, dir string) error {
	man, err := export.ReadManifest(dir)
	if err != nil {
		return err
	}
	if len(man.Tensors) == 0 {
		return fmt.Errorf("no %s in %s", export.ManifestFile, dir)
	}

	var data [][]string
	for _, e := range man.Tensors {
		for _, f := range e.Files {
			info, err := texfile.Stat(filepath.Join(dir, f.Name))
			if err != nil {
				data = append(data, []string{e.Name, f.Name, "missing", "", ""})
				continue
			}
			format := info.Format
			if info.Half {
				format += " half"
			}
			data = append(data, []string{
				e.Name,
				f.Name,
				format,
				fmt.Sprintf("%dx%d", info.Width, info.Height),
				humanBytes(info.Size),
			})
		}
	}

	_, _ = fmt.Fprintf(w, "run %s  %s\n\n", man.RunID, man.CreatedAt.Format("2006-01-02 15:04:05"))
	table := newTable(w, []string{"TENSOR", "FILE", "FORMAT", "SIZE", "BYTES"})
	table.AppendBulk(data)
	table.Render()
	return nil
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func precision(d export.Decision) string {
	switch {
	case d.Kind == export.KindPacked:
		return "u8+scale"
	case d.Quantized:
		return "q8"
	case d.Half:
		return "f16"
	default:
		return "f32"
	}
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
