package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/switchboard/examples"
)

// runInit writes a starter config and system prompt into dir. Existing
// files are left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Switchboard in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	for _, f := range []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		// The config may carry an API key and broker password.
		{"config.yaml", examples.ConfigYAML, 0o600},
		{"system_prompt.md", examples.SystemPromptMD, 0o644},
	} {
		path := filepath.Join(dir, f.name)
		written, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, skipped)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then run: switchboard serve")
	return nil
}

// writeIfMissing writes content to path unless the file already exists.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
