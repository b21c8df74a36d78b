// Package watch notifies about changes to files matching a set of glob patterns.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
	"github.com/jimmidyson/hawtio-jmx/pkg/stream"
)

// DefaultLull is used if Options.Lull is zero
const DefaultLull = 100 * time.Millisecond

// Handler receives the sorted list of changed paths (relative to the watcher's root). Calls are never
// concurrent; changes that arrive while a handler runs are delivered in the next call.
type Handler func(ctx context.Context, changed []string)

// Options configure a Watcher
type Options struct {
	Name     string
	Root     string
	Patterns []string
	Lull     time.Duration
	Handler  Handler
}

// Watcher is a running watch over a glob set
type Watcher struct {
	opts      Options
	matcher   *Matcher
	fsw       *fsnotify.Watcher
	recursive []string
	done      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
}

// Start begins watching the directories the patterns refer to. The handler runs with ctx.
func Start(ctx context.Context, opts Options) (*Watcher, error) {
	if opts.Handler == nil {
		return nil, eris.New("a watcher needs a handler")
	}

	if opts.Lull == 0 {
		opts.Lull = DefaultLull
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	opts.Root = root

	matcher, err := NewMatcher(opts.Patterns...)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, eris.Wrap(err, "failed to create watcher")
	}

	w := &Watcher{
		opts:    opts,
		matcher: matcher,
		fsw:     fsw,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	for _, pattern := range opts.Patterns {
		if err = w.addPattern(pattern); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	buildsys.Log(ctx).Info().
		Str("watcher", opts.Name).
		Strs("patterns", opts.Patterns).
		Msg("watching")

	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) addPattern(pattern string) error {
	parent := stream.GlobParent(pattern)
	rest := strings.TrimPrefix(strings.TrimPrefix(filepath.ToSlash(pattern), filepath.ToSlash(parent)), "/")

	dir := parent
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(w.opts.Root, dir)
	}

	if strings.Contains(rest, "/") {
		w.recursive = append(w.recursive, dir)
		return w.addTree(dir)
	}

	return w.addDir(dir)
}

func (w *Watcher) addDir(dir string) error {
	err := w.fsw.Add(dir)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "failed to watch %s", dir)
	}
	return nil
}

func (w *Watcher) addTree(dir string) error {
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		if !info.IsDir() {
			return nil
		}

		name := info.Name()
		if path != dir && (strings.HasPrefix(name, ".") || name == "node_modules") {
			return filepath.SkipDir
		}

		return w.addDir(path)
	})
	return eris.Wrapf(err, "failed to watch %s", dir)
}

func (w *Watcher) scanTree(dir string) []string {
	result := []string{}
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}

		rel := w.relative(path)
		if w.matcher.Match(rel) {
			result = append(result, rel)
		}
		return nil
	})
	return result
}

func (w *Watcher) inRecursiveTree(path string) bool {
	for _, dir := range w.recursive {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) relative(path string) string {
	rel, err := filepath.Rel(w.opts.Root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.stopped)

	pending := make(map[string]bool)
	finished := make(chan struct{}, 1)
	busy := false
	var lull <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if event.Op.Has(fsnotify.Create) && w.inRecursiveTree(event.Name) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err = w.addTree(event.Name); err != nil {
						buildsys.Log(ctx).Warn().Err(err).Str("watcher", w.opts.Name).Msg("failed to watch new directory")
					}

					// files created before the directory was watched didn't produce events
					for _, path := range w.scanTree(event.Name) {
						pending[path] = true
						lull = time.After(w.opts.Lull)
					}
					continue
				}
			}

			rel := w.relative(event.Name)
			if !w.matcher.Match(rel) && !w.matcher.Match(filepath.ToSlash(event.Name)) {
				continue
			}

			buildsys.Log(ctx).Debug().Str("watcher", w.opts.Name).Str("path", rel).Str("op", event.Op.String()).Msg("change")
			pending[rel] = true
			lull = time.After(w.opts.Lull)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			buildsys.Log(ctx).Error().Err(err).Str("watcher", w.opts.Name).Msg("watch error")
		case <-lull:
			lull = nil
			if busy {
				continue
			}

			batch := make([]string, 0, len(pending))
			for path := range pending {
				batch = append(batch, path)
			}
			sort.Strings(batch)
			pending = make(map[string]bool)

			busy = true
			go func() {
				w.opts.Handler(ctx, batch)
				finished <- struct{}{}
			}()
		case <-finished:
			busy = false
			if len(pending) > 0 {
				lull = time.After(w.opts.Lull)
			}
		}
	}
}

// Stop ends the watch. A handler call that's already running is not interrupted.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		<-w.stopped
		err = w.fsw.Close()
	})
	return err
}
