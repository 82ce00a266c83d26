// Package ingest watches a drop folder and indexes documents into the
// retrieval corpus. Changes are debounced so editors that write in bursts
// produce one re-index, not several.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/strataworks/analyst/retrieve"
)

// Config configures document ingestion.
type Config struct {
	// Dir is the drop folder to watch.
	Dir string

	// IncludePatterns are doublestar globs relative to Dir
	// (e.g., "**/*.md"). Empty means all .md and .txt files.
	IncludePatterns []string

	// DebounceDelay is how long to wait for more changes before indexing.
	DebounceDelay time.Duration
}

// DefaultConfig returns watcher defaults.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		IncludePatterns: []string{"**/*.md", "**/*.txt"},
		DebounceDelay:   500 * time.Millisecond,
	}
}

// Watcher indexes matching documents from a drop folder, on startup and on
// file change.
type Watcher struct {
	config Config
	index  retrieve.Index
	logger *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// NewWatcher creates a document watcher.
func NewWatcher(config Config, index retrieve.Index, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DebounceDelay == 0 {
		config.DebounceDelay = 500 * time.Millisecond
	}
	if len(config.IncludePatterns) == 0 {
		config.IncludePatterns = []string{"**/*.md", "**/*.txt"}
	}
	return &Watcher{
		config:  config,
		index:   index,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// IndexAll walks the drop folder once and indexes every matching file.
func (w *Watcher) IndexAll(ctx context.Context) (int, error) {
	count := 0
	err := filepath.WalkDir(w.config.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.matches(path) {
			return nil
		}
		if err := w.indexFile(ctx, path); err != nil {
			w.logger.Warn("failed to index document", "path", path, "error", err)
			return nil
		}
		count++
		return nil
	})
	return count, err
}

// Watch blocks, indexing changed files until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the folder and all subdirectories.
	err = filepath.WalkDir(w.config.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.config.Dir, err)
	}

	debounce := time.NewTimer(w.config.DebounceDelay)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = fsw.Add(event.Name)
					continue
				}
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !w.matches(event.Name) {
				continue
			}
			w.pendingMu.Lock()
			w.pending[event.Name] = struct{}{}
			w.pendingMu.Unlock()
			debounce.Reset(w.config.DebounceDelay)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-debounce.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) flush(ctx context.Context) {
	w.pendingMu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	for _, path := range paths {
		if err := w.indexFile(ctx, path); err != nil {
			w.logger.Warn("failed to index document", "path", path, "error", err)
			continue
		}
		w.logger.Info("document indexed", "path", path)
	}
}

func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.config.Dir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.config.IncludePatterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (w *Watcher) indexFile(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	rel, err := filepath.Rel(w.config.Dir, path)
	if err != nil {
		rel = path
	}

	return w.index.Add(ctx, &retrieve.Document{
		ID:      docID(rel),
		Title:   titleFor(rel, string(content)),
		Content: string(content),
		Source:  rel,
	})
}

// docID derives a stable corpus ID from the relative path.
func docID(rel string) string {
	sum := sha256.Sum256([]byte(rel))
	return "doc-" + hex.EncodeToString(sum[:8])
}

// titleFor prefers the first markdown heading, falling back to the filename.
func titleFor(rel, content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		}
	}
	return strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
}
