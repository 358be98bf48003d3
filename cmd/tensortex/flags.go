package main

import (
	"runtime"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tensortex/pkg/texture"
)

var (
	inputPath    string
	outputPath   string
	force        bool
	quantizeMiB  float64
	quantizeAll  bool
	groupSize    int64
	symmetric    bool
	exponentStep int64
	maxDim       int64
	workers      int64
	rotary       bool
	maxPositions int64
	transpose    []string

	serveDir  string
	serveAddr string

	logLevel  string
	logFormat string
	debug     bool
)

func inputFlag(required bool) cli.Flag {
	return &cli.StringFlag{
		Name:        "input",
		Aliases:     []string{"i"},
		Usage:       "checkpoint directory or .safetensors file",
		Required:    required,
		Destination: &inputPath,
	}
}

func outputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "output",
		Aliases:     []string{"o"},
		Usage:       "output folder; a trailing separator appends the checkpoint name (default $" + envOutDir + "/<name> or ./out/<name>)",
		Destination: &outputPath,
	}
}

func quantizeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.FloatFlag{
			Name:        "quantize",
			Aliases:     []string{"q"},
			Usage:       "quantize weight matrices with at least this many Mi elements",
			Destination: &quantizeMiB,
		},
		&cli.BoolFlag{
			Name:        "quantize-all",
			Usage:       "quantize every eligible weight matrix",
			Destination: &quantizeAll,
		},
		&cli.Int64Flag{
			Name:        "group-size",
			Usage:       "elements sharing one exponent (multiple of 4)",
			Value:       4,
			Destination: &groupSize,
		},
		&cli.BoolFlag{
			Name:        "symmetric",
			Usage:       "only use the symmetric preset",
			Destination: &symmetric,
		},
		&cli.Int64Flag{
			Name:        "exponent-step",
			Usage:       "exponent steps per octave",
			Value:       2,
			Destination: &exponentStep,
		},
	}
}

func layoutFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-dim",
			Usage:       "maximum texture width and height",
			Value:       texture.MaxDim,
			Destination: &maxDim,
		},
	}
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "rotary",
			Usage:       "add a rotary embedding table generated from rope_theta",
			Destination: &rotary,
		},
		&cli.Int64Flag{
			Name:        "max-positions",
			Usage:       "rows of the rotary table",
			Value:       16384,
			Destination: &maxPositions,
		},
		&cli.StringSliceFlag{
			Name:        "transpose",
			Usage:       "export this 2-D tensor transposed as <name>.T (repeatable)",
			Destination: &transpose,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func workersFlag() cli.Flag {
	return &cli.Int64Flag{
		Name:        "workers",
		Aliases:     []string{"j"},
		Usage:       "tensors converted in parallel",
		Value:       int64(runtime.GOMAXPROCS(0)),
		Destination: &workers,
	}
}
