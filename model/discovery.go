package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExtension is the local model file extension (llama.cpp GGUF).
const DefaultExtension = ".gguf"

// ErrNoModel is returned when the model directory holds no model file.
var ErrNoModel = errors.New("no model file found")

// File describes a model file found on disk.
type File struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Discover returns the path of the first model file in dir, in lexical order.
// A missing directory is created so the user knows where to put the model;
// ErrNoModel is returned in that case.
func Discover(dir, ext string) (string, error) {
	files, err := List(dir, ext)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w in %s (expected *%s)", ErrNoModel, dir, ext)
	}
	return files[0].Path, nil
}

// List returns every model file directly inside dir, sorted by name.
func List(dir, ext string) ([]File, error) {
	if ext == "" {
		ext = DefaultExtension
	}

	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create model directory: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat model directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model path is not a directory: %s", dir)
	}

	matches, err := doublestar.Glob(os.DirFS(dir), "*"+ext, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob model files: %w", err)
	}
	sort.Strings(matches)

	files := make([]File, 0, len(matches))
	for _, name := range matches {
		path := filepath.Join(dir, name)
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		files = append(files, File{Name: name, Path: path, Size: fi.Size()})
	}
	return files, nil
}
