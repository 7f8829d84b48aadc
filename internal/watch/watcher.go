package watch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Op is the kind of change reported for a path.
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
	OpRename Op = "rename"
)

// maxContent caps how much of an open file is read into a Change.
const maxContent = 1 << 20

// DefaultIgnore lists directories never watched.
var DefaultIgnore = []string{
	"**/.git",
	"**/node_modules",
	"**/__pycache__",
	"**/.venv",
	"**/.mypy_cache",
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("watcher closed")

// Change is one debounced filesystem change.
type Change struct {
	Path    string  `json:"path"`
	Op      Op      `json:"type"`
	Content *string `json:"content,omitempty"`
}

// Options configures a Watcher.
type Options struct {
	// Ignore holds doublestar patterns matched against slash-separated paths
	// relative to the watched root. A directory that matches is not descended.
	Ignore   []string
	Debounce time.Duration
	Logger   *zap.Logger
	OnChange func(Change)
}

// Watcher reports changes below one or more directory trees.
type Watcher struct {
	fs       *fsnotify.Watcher
	ignore   []string
	debounce time.Duration
	logger   *zap.Logger
	onChange func(Change)

	mu      sync.Mutex
	roots   []string
	open    map[string]bool
	pending map[string]Op
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// New starts a watcher with nothing registered.
func New(opts Options) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ignore := opts.Ignore
	if ignore == nil {
		ignore = DefaultIgnore
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	w := &Watcher{
		fs:       fw,
		ignore:   ignore,
		debounce: debounce,
		logger:   logger.Named("watch"),
		onChange: opts.OnChange,
		open:     make(map[string]bool),
		pending:  make(map[string]Op),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch registers root and every directory below it.
func (w *Watcher) Watch(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", root)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	for _, r := range w.roots {
		if r == abs {
			w.mu.Unlock()
			return nil
		}
	}
	w.roots = append(w.roots, abs)
	w.mu.Unlock()

	if err := w.addTree(abs); err != nil {
		return err
	}
	w.logger.Info("Watching directory", zap.String("root", abs))
	return nil
}

// AddOpenFile marks a file as open in the editor. Changes to open files carry
// the new content.
func (w *Watcher) AddOpenFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.open[abs] = true
	return nil
}

// Close stops watching. Pending changes are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	<-w.done
	return w.fs.Close()
}

func (w *Watcher) addTree(root string) error {
	conf := fastwalk.Config{Follow: false}
	return fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("Skipping unreadable path", zap.String("path", p), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.ignored(p) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			w.logger.Warn("Failed to watch directory", zap.String("path", p), zap.Error(err))
		}
		return nil
	})
}

// ignored reports whether p, or a directory above it, matches an ignore
// pattern relative to its root.
func (w *Watcher) ignored(p string) bool {
	w.mu.Lock()
	roots := append([]string(nil), w.roots...)
	w.mu.Unlock()

	for _, root := range roots {
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		rel = filepath.ToSlash(rel)
		for prefix := rel; prefix != "." && prefix != ""; prefix = pathDir(prefix) {
			for _, pattern := range w.ignore {
				if ok, _ := doublestar.Match(pattern, prefix); ok {
					return true
				}
			}
		}
	}
	return false
}

func pathDir(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

func (w *Watcher) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", zap.Error(err))
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	var op Op
	switch {
	case ev.Op.Has(fsnotify.Create):
		op = OpCreate
	case ev.Op.Has(fsnotify.Write):
		op = OpModify
	case ev.Op.Has(fsnotify.Remove):
		op = OpDelete
	case ev.Op.Has(fsnotify.Rename):
		op = OpRename
	default:
		return
	}
	if w.ignored(ev.Name) {
		return
	}

	if op == OpCreate {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", zap.String("path", ev.Name), zap.Error(err))
			}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// A create followed by writes within one window is still a create.
	if prev, ok := w.pending[ev.Name]; ok && prev == OpCreate && op == OpModify {
		return
	}
	w.pending[ev.Name] = op
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make(map[string]Op)
	open := make(map[string]bool, len(batch))
	for p := range batch {
		open[p] = w.open[p]
	}
	w.mu.Unlock()

	paths := make([]string, 0, len(batch))
	for p := range batch {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		c := Change{Path: p, Op: batch[p]}
		if open[p] && (c.Op == OpCreate || c.Op == OpModify) {
			if content, ok := readContent(p); ok {
				c.Content = &content
			}
		}
		w.logger.Debug("File changed", zap.String("path", p), zap.String("op", string(c.Op)))
		if w.onChange != nil {
			w.onChange(c)
		}
	}
}

func readContent(p string) (string, bool) {
	f, err := os.Open(p)
	if err != nil {
		return "", false
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxContent))
	if err != nil {
		return "", false
	}
	return string(data), true
}
