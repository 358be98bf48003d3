// Package api serves an export folder read-only over HTTP: the manifest,
// per-tensor entries and the texture files themselves.
package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/tensortex/internal/export"
	"github.com/samcharles93/tensortex/internal/logger"
)

// Server exposes one export folder.
type Server struct {
	dir string
	log logger.Logger
}

func NewServer(dir string, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{dir: dir, log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/manifest", s.handleManifest)
	e.GET("/v1/tensors", s.handleListTensors)
	e.GET("/v1/tensors/:name", s.handleGetTensor)
	e.GET("/v1/files/:file", s.handleFile)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleManifest(c *echo.Context) error {
	m, err := s.manifest()
	if err != nil {
		return s.writeInternal(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) handleListTensors(c *echo.Context) error {
	m, err := s.manifest()
	if err != nil {
		return s.writeInternal(c, err)
	}
	out := TensorList{Object: "list", Data: make([]TensorObject, 0, len(m.Tensors))}
	prefix := c.QueryParam("prefix")
	for _, e := range m.Tensors {
		if prefix != "" && !strings.HasPrefix(e.Name, prefix) {
			continue
		}
		out.Data = append(out.Data, tensorObject(e))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetTensor(c *echo.Context) error {
	name := c.Param("name")
	m, err := s.manifest()
	if err != nil {
		return s.writeInternal(c, err)
	}
	e, ok := m.Lookup(name)
	if !ok {
		return writeNotFound(c, "tensor not found: "+name)
	}
	return c.JSON(http.StatusOK, tensorObject(e))
}

func (s *Server) handleFile(c *echo.Context) error {
	name := c.Param("file")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return writeBadRequest(c, "invalid file name")
	}
	ok, err := s.served(name)
	if err != nil {
		return s.writeInternal(c, err)
	}
	if !ok {
		return writeNotFound(c, "file not found: "+name)
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return writeNotFound(c, "file not found: "+name)
	}
	if err != nil {
		return s.writeInternal(c, err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return s.writeInternal(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentType, contentType(name))
	http.ServeContent(c.Response(), c.Request(), name, st.ModTime(), f)
	return nil
}

// served reports whether name is part of the export: the manifest, the
// copied model config, or a texture listed in the manifest.
func (s *Server) served(name string) (bool, error) {
	if name == export.ManifestFile || name == "config.json" {
		return true, nil
	}
	m, err := s.manifest()
	if err != nil {
		return false, err
	}
	for _, e := range m.Tensors {
		for _, f := range e.Files {
			if f.Name == name {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Server) manifest() (*export.Manifest, error) {
	return export.ReadManifest(s.dir)
}

func (s *Server) writeInternal(c *echo.Context, err error) error {
	s.log.Error("request failed", "path", c.Request().URL.Path, "error", err)
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".exr":
		return "image/x-exr"
	case ".json":
		return echo.MIMEApplicationJSON
	default:
		return echo.MIMEOctetStream
	}
}
