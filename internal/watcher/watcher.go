// Package watcher turns fsnotify events under a project root into debouncer
// changes.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/debounce"
	"github.com/Dysrup1or/Consensus-Verification-Agents-sub000/internal/logger"
)

// DefaultIgnoreDirs are never descended into.
var DefaultIgnoreDirs = []string{
	".git", "node_modules", "__pycache__", ".venv", "venv",
	".pytest_cache", ".mypy_cache", ".idea", ".vscode",
}

// DefaultIgnorePatterns match editor scratch files by base name.
var DefaultIgnorePatterns = []string{"*.swp", "*.swx", "*~", ".#*", "*.tmp", ".DS_Store"}

type Config struct {
	Root           string   `mapstructure:"root"`
	IgnoreDirs     []string `mapstructure:"ignore_dirs"`
	IgnorePatterns []string `mapstructure:"ignore_patterns"`

	Logger *slog.Logger `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		Root:           ".",
		IgnoreDirs:     append([]string(nil), DefaultIgnoreDirs...),
		IgnorePatterns: append([]string(nil), DefaultIgnorePatterns...),
	}
}

// Watcher watches Root recursively. Emitted paths are slash separated and
// relative to Root.
type Watcher struct {
	cfg  Config
	log  *slog.Logger
	root string
	fs   *fsnotify.Watcher
}

func New(cfg Config) (*Watcher, error) {
	d := DefaultConfig()
	if cfg.Root == "" {
		cfg.Root = d.Root
	}
	if cfg.IgnoreDirs == nil {
		cfg.IgnoreDirs = d.IgnoreDirs
	}
	if cfg.IgnorePatterns == nil {
		cfg.IgnorePatterns = d.IgnorePatterns
	}
	for _, p := range cfg.IgnorePatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if fi, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{cfg: cfg, log: logger.Component(cfg.Logger, "watcher"), root: root, fs: fw}
	if err := w.addTree(root, nil); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w.log.Info("watching", "root", root, "dirs", len(fw.WatchList()))
	return w, nil
}

func (w *Watcher) Root() string { return w.root }

// WatchedDirs lists the directories currently registered with fsnotify.
func (w *Watcher) WatchedDirs() []string {
	dirs := w.fs.WatchList()
	slices.Sort(dirs)
	return dirs
}

// Run delivers changes to emit until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context, emit func(debounce.Change)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev, emit)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("event queue overflowed, changes were lost", "error", err)
				continue
			}
			w.log.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) Close() error { return w.fs.Close() }

func (w *Watcher) handle(ev fsnotify.Event, emit func(debounce.Change)) {
	if w.ignored(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create):
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			// Files may land before the watch is registered; the walk
			// reports them as creates.
			if err := w.addTree(ev.Name, emit); err != nil {
				w.log.Warn("watch new directory", "dir", ev.Name, "error", err)
			}
			return
		}
		w.emit(emit, debounce.Create, ev.Name)
	case ev.Has(fsnotify.Write):
		w.emit(emit, debounce.Modify, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.emit(emit, debounce.Delete, ev.Name)
	}
}

func (w *Watcher) emit(emit func(debounce.Change), kind debounce.Kind, path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}
	emit(debounce.Change{Kind: kind, Path: filepath.ToSlash(rel)})
}

func (w *Watcher) addTree(dir string, emit func(debounce.Change)) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if path != w.root && w.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fs.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		if emit != nil {
			w.emit(emit, debounce.Create, path)
		}
		return nil
	})
}

// ignored reports whether path is under an ignored directory or its base
// name matches an ignore pattern.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if slices.Contains(w.cfg.IgnoreDirs, part) {
			return true
		}
	}
	base := filepath.Base(path)
	for _, p := range w.cfg.IgnorePatterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}
