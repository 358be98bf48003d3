package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	envOutDir = "TENSORTEX_OUT_DIR"
	envConfig = "TENSORTEX_CONFIG"
)

// checkpointName is the last element of the input path, without the
// extension when the input is a single file.
func checkpointName(input string) (string, error) {
	clean := filepath.Clean(strings.TrimSpace(input))
	base := filepath.Base(clean)
	if st, err := os.Stat(clean); err == nil && !st.IsDir() {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("cannot derive a name from input %q", input)
	}
	return base, nil
}

// resolveOutDir picks the export folder. An explicit output ending in a path
// separator is treated as a parent folder and gets the checkpoint name
// appended; an empty output falls back to $TENSORTEX_OUT_DIR, then the config
// file's out_dir, then ./out. The bool reports whether the name was derived.
func resolveOutDir(input, outFlag, cfgOutDir string) (string, bool, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" && !strings.HasSuffix(outFlag, "/") && !strings.HasSuffix(outFlag, string(filepath.Separator)) {
		return filepath.Clean(outFlag), false, nil
	}

	name, err := checkpointName(input)
	if err != nil {
		return "", true, err
	}

	parent := outFlag
	if parent == "" {
		parent = strings.TrimSpace(os.Getenv(envOutDir))
	}
	if parent == "" {
		parent = strings.TrimSpace(cfgOutDir)
	}
	if parent == "" {
		parent = filepath.Join(".", "out")
	}
	return filepath.Join(parent, name), true, nil
}
