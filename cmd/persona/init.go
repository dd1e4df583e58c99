package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/youngjulesverne/rafael-chatbot/examples"
)

// runInit writes an example config and persona summary into dir.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing persona workspace in %s\n", dir)

	meDir := filepath.Join(dir, "me")
	if err := os.MkdirAll(meDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", meDir, err)
	}

	// The config holds API keys.
	files := []struct {
		path    string
		content []byte
		perm    os.FileMode
	}{
		{filepath.Join(dir, "config.yaml"), examples.ConfigYAML, 0o600},
		{filepath.Join(meDir, "summary.md"), examples.SummaryMD, 0o644},
	}
	for _, f := range files {
		wrote, err := writeIfMissing(f.path, f.content, f.perm)
		if err != nil {
			return err
		}
		mark := "✓"
		if !wrote {
			mark = "-"
		}
		fmt.Fprintf(w, "  %s %s\n", mark, f.path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and me/summary.md, then put the text of your")
	fmt.Fprintln(w, "professional profile in me/linkedin.txt.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. It reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
