package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tensortex/internal/logger"
	"github.com/samcharles93/tensortex/internal/version"
)

func main() {
	app := &cli.Command{
		Name:    "tensortex",
		Usage:   "Convert model weights into GPU textures",
		Version: version.String(),
		Flags:   loggingFlags(),
		Before:  setupLogging,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			exportCmd(),
			inspectCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging installs the logger selected by the logging flags, falling
// back to the config file, into the command context.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configPath())
	if err != nil {
		return ctx, err
	}
	applyLogConfig(cmd, cfg)

	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Open(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, err
	}
	ctx = withConfig(ctx, cfg)
	return logger.WithContext(ctx, log), nil
}
