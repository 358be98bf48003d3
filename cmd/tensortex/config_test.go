package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/tensortex/internal/export"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Workers != nil || cfg.OutDir != "" {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "out_dir: /data/tex\nworkers: 3\nquantize: 0.5\nsymmetric: true\nlog_format: json\nserver_address: 0.0.0.0:9000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.OutDir != "/data/tex" {
		t.Fatalf("out_dir: got %q", cfg.OutDir)
	}
	if cfg.Workers == nil || *cfg.Workers != 3 {
		t.Fatalf("workers: got %v", cfg.Workers)
	}
	if cfg.Quantize == nil || *cfg.Quantize != 0.5 {
		t.Fatalf("quantize: got %v", cfg.Quantize)
	}
	if cfg.Symmetric == nil || !*cfg.Symmetric {
		t.Fatalf("symmetric: got %v", cfg.Symmetric)
	}
	if cfg.QuantizeAll != nil {
		t.Fatalf("quantize_all should be unset")
	}
	if cfg.LogFormat != "json" || cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("workers: [1, 2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), path) {
		t.Fatalf("expected error naming %s, got %v", path, err)
	}
}

func TestQuantizePredicate(t *testing.T) {
	defer func(all bool, mib float64) { quantizeAll, quantizeMiB = all, mib }(quantizeAll, quantizeMiB)

	big := []int{1024, 1024}
	small := []int{4, 4}

	quantizeAll, quantizeMiB = false, 0
	if quantizePredicate()("a.weight", big) {
		t.Fatalf("nothing should be quantized by default")
	}

	quantizeMiB = 1
	p := quantizePredicate()
	if !p("a.weight", big) || p("a.weight", small) {
		t.Fatalf("size threshold not applied")
	}

	quantizeAll = true
	if !quantizePredicate()("a.weight", small) {
		t.Fatalf("quantize-all should accept every matrix")
	}
}

func TestQuantOptions(t *testing.T) {
	defer func(g, e int64, s bool) { groupSize, exponentStep, symmetric = g, e, s }(groupSize, exponentStep, symmetric)

	groupSize, exponentStep, symmetric = 8, 3, true
	opts := quantOptions()
	if opts.GroupSize != 8 || opts.ExponentStep != 3 || opts.Asymmetric {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestRenderPlan(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.bias.exr"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	plan := []export.Decision{
		{
			Meta:  export.Meta{Name: "a.bias", Shape: []int{8}, Kind: export.KindPlain, Half: true},
			Files: []string{"a.bias.exr"},
		},
		{
			Meta:      export.Meta{Name: "a.weight", Shape: []int{8, 4}, Kind: export.KindPlain},
			Quantized: true,
			Files:     []string{"a.weight.exr", "a.weight.q8.png"},
		},
	}

	var buf bytes.Buffer
	if err := renderPlan(&buf, plan, dir); err != nil {
		t.Fatalf("renderPlan: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"NAME", "a.bias", "f16", "a.bias.exr ✓", "8x4", "q8", "a.weight.q8.png"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "a.weight.exr ✓") {
		t.Fatalf("a.weight.exr is not on disk:\n%s", out)
	}
}

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		12:          "12 B",
		2048:        "2.0 KiB",
		5 << 20:     "5.0 MiB",
		3 << 30 / 2: "1.5 GiB",
	}
	for in, want := range cases {
		if got := humanBytes(in); got != want {
			t.Fatalf("humanBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
