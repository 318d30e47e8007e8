// Package codebase serves project files as context for the pipeline.
// Reads are confined to the project root, skip ignored paths, and can be
// cached with fsnotify-driven invalidation.
package codebase

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultMaxFileSize caps the size of a context file.
const DefaultMaxFileSize = 1 << 20

var (
	// ErrNotFound is returned for paths that do not exist, leave the root, or are ignored.
	ErrNotFound = errors.New("file not found")

	// ErrTooLarge is returned for files above the size limit.
	ErrTooLarge = errors.New("file too large")

	// ErrNotText is returned for files that are not valid UTF-8.
	ErrNotText = errors.New("file is not UTF-8 text")
)

// ReadError reports a context file that exists but could not be served.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Config configures an Index.
type Config struct {
	// Root is the project directory relative paths are resolved against.
	Root string

	// Ignore lists doublestar patterns (relative to Root) that are never served.
	Ignore []string

	// MaxFileSize caps served files (default: DefaultMaxFileSize).
	MaxFileSize int64

	Logger *slog.Logger
}

// Index reads project files by relative path.
type Index struct {
	root    string
	ignore  []string
	maxSize int64
	logger  *slog.Logger

	mu      sync.RWMutex
	cache   map[string]string // absolute path → content
	gens    map[string]uint64 // absolute path → change events seen
	watcher *fsnotify.Watcher
	watched map[string]bool // watched directories
}

// fill records the cache state a read started from. Content is stored only
// if no change event for the path arrived since.
type fill struct {
	watcher *fsnotify.Watcher
	gen     uint64
}

// NewIndex creates an index over cfg.Root.
func NewIndex(cfg Config) (*Index, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("context root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve context root: %w", err)
	}
	if real, err := filepath.EvalSymlinks(root); err == nil {
		root = real
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat context root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("context root is not a directory: %s", root)
	}

	for _, pattern := range cfg.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid ignore pattern: %q", pattern)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	return &Index{
		root:    root,
		ignore:  cfg.Ignore,
		maxSize: maxSize,
		logger:  logger,
	}, nil
}

// Root returns the absolute project root.
func (ix *Index) Root() string {
	return ix.root
}

// Resolve maps a relative path to an absolute path inside the root.
// Paths that escape the root (directly or through symlinks) or match an
// ignore pattern resolve to ErrNotFound.
func (ix *Index) Resolve(relPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if relPath == "" || !filepath.IsLocal(clean) {
		return "", ErrNotFound
	}
	if ix.Ignored(clean) {
		return "", ErrNotFound
	}

	abs := filepath.Join(ix.root, clean)
	real, err := filepath.EvalSymlinks(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &ReadError{Path: relPath, Err: err}
	}

	rel, err := filepath.Rel(ix.root, real)
	if err != nil || !filepath.IsLocal(rel) {
		return "", ErrNotFound
	}
	if ix.Ignored(rel) {
		return "", ErrNotFound
	}
	return real, nil
}

// Ignored reports whether a root-relative path matches an ignore pattern.
func (ix *Index) Ignored(relPath string) bool {
	slashed := filepath.ToSlash(relPath)
	for _, pattern := range ix.ignore {
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return true
		}
	}
	return false
}

// Read returns the content of a project file. Missing files return
// ErrNotFound; files that exist but cannot be served return a *ReadError.
func (ix *Index) Read(relPath string) (string, error) {
	abs, err := ix.Resolve(relPath)
	if err != nil {
		return "", err
	}

	if content, ok := ix.cached(abs); ok {
		return content, nil
	}
	// The directory is watched before the file is read so a concurrent
	// write always produces an event that voids this fill.
	f := ix.beginFill(abs)

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", &ReadError{Path: relPath, Err: err}
	}
	if info.IsDir() {
		return "", &ReadError{Path: relPath, Err: errors.New("is a directory")}
	}
	if info.Size() > ix.maxSize {
		return "", &ReadError{Path: relPath, Err: ErrTooLarge}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", &ReadError{Path: relPath, Err: err}
	}
	if !utf8.Valid(data) {
		return "", &ReadError{Path: relPath, Err: ErrNotText}
	}

	content := string(data)
	ix.store(abs, content, f)
	return content, nil
}

// ReadOrEmpty returns the file content, or "" when it cannot be read.
// The failure is logged.
func (ix *Index) ReadOrEmpty(relPath string) string {
	content, err := ix.Read(relPath)
	if err != nil {
		ix.logger.Warn("Context file unavailable", "path", relPath, "error", err)
		return ""
	}
	return content
}

// Watch enables the content cache. Cached files are dropped as soon as
// fsnotify reports a change in their directory entry. The cache stops when
// ctx is done or Close is called.
func (ix *Index) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	ix.mu.Lock()
	if ix.watcher != nil {
		ix.mu.Unlock()
		fsw.Close()
		return fmt.Errorf("already watching")
	}
	ix.watcher = fsw
	ix.cache = make(map[string]string)
	ix.gens = make(map[string]uint64)
	ix.watched = make(map[string]bool)
	ix.mu.Unlock()

	go ix.processEvents(ctx, fsw)

	ix.logger.Info("Context cache enabled", "root", ix.root)
	return nil
}

// Cached reports whether relPath is currently served from the cache.
func (ix *Index) Cached(relPath string) bool {
	abs, err := ix.Resolve(relPath)
	if err != nil {
		return false
	}
	_, ok := ix.cached(abs)
	return ok
}

func (ix *Index) cached(abs string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.cache == nil {
		return "", false
	}
	content, ok := ix.cache[abs]
	return content, ok
}

// beginFill makes sure abs's directory is watched and snapshots its
// generation. The zero fill disables caching for this read.
func (ix *Index) beginFill(abs string) fill {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.watcher == nil {
		return fill{}
	}

	dir := filepath.Dir(abs)
	if !ix.watched[dir] {
		if err := ix.watcher.Add(dir); err != nil {
			ix.logger.Warn("Failed to watch directory", "path", dir, "error", err)
			return fill{}
		}
		ix.watched[dir] = true
		ix.logger.Debug("Watching directory", "path", dir)
	}
	return fill{watcher: ix.watcher, gen: ix.gens[abs]}
}

// store caches content read under f, unless the file changed meanwhile.
func (ix *Index) store(abs, content string, f fill) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if f.watcher == nil || ix.watcher != f.watcher {
		return
	}
	if ix.gens[abs] != f.gen {
		ix.logger.Debug("Context file changed during read", "path", abs)
		return
	}
	ix.cache[abs] = content
}

func (ix *Index) invalidate(abs string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.gens == nil {
		return
	}
	ix.gens[abs]++
	if _, ok := ix.cache[abs]; ok {
		delete(ix.cache, abs)
		ix.logger.Debug("Context cache invalidated", "path", abs)
	}
}

// processEvents drops cache entries for changed files.
func (ix *Index) processEvents(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			ix.stopWatching(fsw)
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0 {
				ix.invalidate(event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			ix.logger.Error("Watcher error", "error", err)
		}
	}
}

func (ix *Index) stopWatching(fsw *fsnotify.Watcher) {
	ix.mu.Lock()
	if ix.watcher == fsw {
		ix.watcher = nil
		ix.cache = nil
		ix.gens = nil
		ix.watched = nil
	}
	ix.mu.Unlock()
	_ = fsw.Close()
}

// Close stops the cache watcher, if any.
func (ix *Index) Close() error {
	ix.mu.Lock()
	fsw := ix.watcher
	ix.watcher = nil
	ix.cache = nil
	ix.gens = nil
	ix.watched = nil
	ix.mu.Unlock()

	if fsw != nil {
		return fsw.Close()
	}
	return nil
}
