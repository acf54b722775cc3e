package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/namelens/headroom/internal/output"
)

// stdoutPath names the stdout sink in summaries.
const stdoutPath = "-"

// outputSink is where a command writes results. File sinks are written under
// a ".partial" name and renamed on close, so a file at path is always
// complete. abort discards the partial file instead.
type outputSink struct {
	writer io.Writer
	close  func() error
	abort  func() error
	path   string
}

var outputExtensions = map[output.Format]string{
	output.FormatJSON:     "json",
	output.FormatMarkdown: "md",
}

func outputExtension(format output.Format) string {
	if ext, ok := outputExtensions[format]; ok {
		return ext
	}
	return "txt"
}

var nonFilename = regexp.MustCompile(`[^a-z0-9._-]+`)

func sanitizeFilename(value string) string {
	clean := nonFilename.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	if clean = strings.Trim(clean, "-."); clean == "" {
		return "output"
	}
	return clean
}

// resolveOutputPath returns the file a command writes to. With outDir set
// the file is named <stem>.<ext> inside it; outPath and outDir are mutually
// exclusive. An empty result means stdout.
func resolveOutputPath(outPath, outDir, stem string, format output.Format) (string, error) {
	outPath = strings.TrimSpace(outPath)
	outDir = strings.TrimSpace(outDir)
	switch {
	case outPath != "" && outDir != "":
		return "", errors.New("--out and --out-dir are mutually exclusive")
	case outDir == "":
		return outPath, nil
	}

	dir, err := ensureOutDir(outDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sanitizeFilename(stem)+"."+outputExtension(format)), nil
}

// ensureOutDir creates dir when missing and returns it as an absolute path
// when one can be resolved.
func ensureOutDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return dir, nil
}

func openSink(path string) (*outputSink, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == stdoutPath {
		noop := func() error { return nil }
		return &outputSink{writer: os.Stdout, close: noop, abort: noop, path: stdoutPath}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	partial := path + ".partial"
	file, err := os.Create(partial)
	if err != nil {
		return nil, err
	}

	// Whichever of close and abort runs first wins; later calls are no-ops.
	done := false
	finish := func(keep bool) error {
		if done {
			return nil
		}
		done = true
		if err := file.Close(); err != nil || !keep {
			_ = os.Remove(partial)
			return err
		}
		return os.Rename(partial, path)
	}
	return &outputSink{
		writer: file,
		close:  func() error { return finish(true) },
		abort:  func() error { return finish(false) },
		path:   path,
	}, nil
}
