package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tensortex/internal/export"
	"github.com/samcharles93/tensortex/internal/logger"
	"github.com/samcharles93/tensortex/internal/source"
	"github.com/samcharles93/tensortex/pkg/quant"
)

func exportCmd() *cli.Command {
	flags := []cli.Flag{
		inputFlag(true),
		outputFlag(),
		&cli.BoolFlag{
			Name:        "force",
			Aliases:     []string{"f"},
			Usage:       "rewrite tensors whose files are already present",
			Destination: &force,
		},
		workersFlag(),
	}
	flags = append(flags, quantizeFlags()...)
	flags = append(flags, layoutFlags()...)
	flags = append(flags, sourceFlags()...)

	return &cli.Command{
		Name:  "export",
		Usage: "Export a safetensors checkpoint as a folder of textures",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx)
			applyExportConfig(cmd, cfg)

			outDir, derived, err := resolveOutDir(inputPath, outputPath, cfg.OutDir)
			if err != nil {
				return err
			}
			if derived {
				log.Info("output folder derived from input", "dir", outDir)
			}

			src, err := source.Open(inputPath)
			if err != nil {
				return fmt.Errorf("open %s: %w", inputPath, err)
			}
			defer func() { _ = src.Close() }()

			tensors, err := src.Tensors(sourceOptions(log))
			if err != nil {
				return err
			}

			ex, err := export.New(export.Options{
				Dir:      outDir,
				Source:   inputPath,
				Force:    force,
				Quantize: quantizePredicate(),
				Quant:    quantOptions(),
				MaxDim:   int(maxDim),
				Workers:  int(workers),
				Logger:   log,
			})
			if err != nil {
				return err
			}

			start := time.Now()
			man, err := ex.Run(ctx, tensors)
			if err != nil {
				return err
			}
			if err := src.CopyConfig(outDir); err != nil {
				return fmt.Errorf("copy config: %w", err)
			}

			written, skipped := 0, 0
			for _, e := range man.Tensors {
				if e.Status == export.StatusSkipped {
					skipped++
				} else {
					written++
				}
			}
			log.Info("done", "dir", outDir, "written", written, "skipped", skipped, "elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func sourceOptions(log logger.Logger) source.Options {
	return source.Options{
		Rotary:       rotary,
		MaxPositions: int(maxPositions),
		Transpose:    transpose,
		Logger:       log,
	}
}

func quantOptions() quant.Options {
	return quant.Options{
		GroupSize:    int(groupSize),
		Asymmetric:   !symmetric,
		ExponentStep: int(exponentStep),
	}
}

// quantizePredicate maps --quantize-all and --quantize to a predicate. With
// neither set nothing is quantized.
func quantizePredicate() export.Predicate {
	switch {
	case quantizeAll:
		return export.All()
	case quantizeMiB > 0:
		return export.MinSize(quantizeMiB)
	default:
		return export.Never()
	}
}
