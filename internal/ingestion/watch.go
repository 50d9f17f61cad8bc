package ingestion

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/54b3r/codeqa-go/internal/rag"
)

// FileLoader loads single files with the same filters used for the initial
// directory walk. *loader.Loader satisfies it.
type FileLoader interface {
	LoadFile(root, path string) ([]rag.Document, error)
	Eligible(name string) bool
	InExcludedDir(root, path string) bool
	ExcludesDir(root, dir string) bool
}

// Watcher keeps the index of one directory tree current by re-ingesting
// files as they are written and removing them when deleted or renamed.
type Watcher struct {
	pipeline *Pipeline
	loader   FileLoader
	root     string
	log      *slog.Logger

	// relPath maps an absolute path to the document Source used by the loader.
	relPath func(root, path string) string

	// dirs holds the watched directories. A Remove or Rename event only
	// names the path, so this is how a vanished directory is recognised.
	dirs map[string]struct{}

	// onChange, when set, is called after each handled event. Used by tests.
	onChange func(path string, removed bool)
}

// NewWatcher returns a Watcher for root. relPath must produce the same
// Source values the loader assigns, so removals hit the stored rows.
func NewWatcher(p *Pipeline, l FileLoader, root string, relPath func(root, path string) string, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		pipeline: p,
		loader:   l,
		root:     root,
		relPath:  relPath,
		log:      log,
		dirs:     make(map[string]struct{}),
	}
}

// Run watches root and every non-excluded subdirectory until ctx is
// cancelled. Per-file failures are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingestion: create file watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	w.log.Info("ingestion: watching directory", slog.String("root", w.root))

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, event)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("ingestion: watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			w.log.Info("ingestion: watcher stopped", slog.String("root", w.root))
			return nil
		}
	}
}

// handle applies one filesystem event to the index.
func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) {
	path := event.Name

	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			// Gone again before we looked; a Remove event follows.
			return
		}
		if info.IsDir() {
			if event.Has(fsnotify.Create) && !w.loader.ExcludesDir(w.root, path) {
				if err := w.addTree(fw, path); err != nil {
					w.log.Warn("ingestion: watch new directory", slog.String("path", path), slog.String("error", err.Error()))
				}
				w.indexTree(ctx, path)
			}
			return
		}
		w.reindex(ctx, path)

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if w.forgetDir(fw, path) {
			w.removeDir(ctx, path)
			return
		}
		if !w.loader.Eligible(filepath.Base(path)) {
			return
		}
		source := w.relPath(w.root, path)
		if err := w.pipeline.Remove(ctx, source); err != nil {
			w.log.Error("ingestion: remove failed", slog.String("path", source), slog.String("error", err.Error()))
			return
		}
		w.log.Info("ingestion: file removed from index", slog.String("path", source))
		w.notify(path, true)
	}
}

// reindex replaces the stored documents of one file.
func (w *Watcher) reindex(ctx context.Context, path string) {
	if !w.loader.Eligible(filepath.Base(path)) || w.loader.InExcludedDir(w.root, path) {
		return
	}
	docs, err := w.loader.LoadFile(w.root, path)
	if err != nil {
		w.log.Warn("ingestion: skipping changed file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	source := w.relPath(w.root, path)
	if err := w.pipeline.Replace(ctx, source, docs); err != nil {
		w.log.Error("ingestion: re-index failed", slog.String("path", source), slog.String("error", err.Error()))
		return
	}
	w.log.Info("ingestion: file re-indexed", slog.String("path", source), slog.Int("documents", len(docs)))
	w.notify(path, false)
}

// removeDir drops every stored document below a directory that was deleted
// or moved away.
func (w *Watcher) removeDir(ctx context.Context, path string) {
	dir := w.relPath(w.root, path)
	if err := w.pipeline.RemoveDir(ctx, dir); err != nil {
		w.log.Error("ingestion: remove directory failed", slog.String("path", dir), slog.String("error", err.Error()))
		return
	}
	w.log.Info("ingestion: directory removed from index", slog.String("path", dir))
	w.notify(path, true)
}

// forgetDir stops watching path and everything below it. It reports false
// when path was not a watched directory.
func (w *Watcher) forgetDir(fw *fsnotify.Watcher, path string) bool {
	if _, ok := w.dirs[path]; !ok {
		return false
	}
	prefix := path + string(filepath.Separator)
	for d := range w.dirs {
		if d == path || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
			// The kernel drops watches of deleted directories itself.
			_ = fw.Remove(d)
		}
	}
	return true
}

// indexTree indexes every eligible file below dir, used when a directory
// appears after the initial load (e.g. git checkout, mv).
func (w *Watcher) indexTree(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && w.loader.ExcludesDir(w.root, path) {
				return fs.SkipDir
			}
			return nil
		}
		w.reindex(ctx, path)
		return nil
	})
}

// addTree registers dir and its non-excluded subdirectories with fw.
// fsnotify watches are not recursive.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("ingestion: watch %s: %w", dir, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.loader.ExcludesDir(w.root, path) {
			return fs.SkipDir
		}
		if err := fw.Add(path); err != nil {
			if path == dir {
				return fmt.Errorf("ingestion: watch %s: %w", path, err)
			}
			w.log.Warn("ingestion: cannot watch directory", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		w.dirs[path] = struct{}{}
		return nil
	})
}

// notify invokes the test hook, if any.
func (w *Watcher) notify(path string, removed bool) {
	if w.onChange != nil {
		w.onChange(path, removed)
	}
}
