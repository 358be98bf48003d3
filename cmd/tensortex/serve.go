package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tensortex/internal/api"
	"github.com/samcharles93/tensortex/internal/export"
	"github.com/samcharles93/tensortex/internal/logger"
)

func serveCmd() *cli.Command {
	var readTimeout time.Duration

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve an export folder over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "dir",
				Aliases:     []string{"d"},
				Usage:       "export folder to serve",
				Required:    true,
				Destination: &serveDir,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &serveAddr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, configFrom(ctx))

			st, err := os.Stat(serveDir)
			if err != nil {
				return err
			}
			if !st.IsDir() {
				return fmt.Errorf("%s is not a directory", serveDir)
			}
			man, err := export.ReadManifest(serveDir)
			if err != nil {
				return err
			}
			if len(man.Tensors) == 0 {
				log.Warn("no tensors recorded yet", "dir", serveDir)
			}

			server := api.NewServer(serveDir, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", serveAddr, "dir", serveDir, "tensors", len(man.Tensors))
			sc := echo.StartConfig{
				Address: serveAddr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
