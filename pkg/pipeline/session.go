package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/shaj13/libcache"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
	"github.com/jimmidyson/hawtio-jmx/pkg/devserver"
	"github.com/jimmidyson/hawtio-jmx/pkg/watch"

	// Provides libcache.LRU
	_ "github.com/shaj13/libcache/lru"
)

// ErrAlreadyWatching is returned if a watch task runs twice in the same session
var ErrAlreadyWatching = eris.New("already watching")

// RebuildTasks run whenever TypeScript sources, library definitions or templates change
var RebuildTasks = []string{"tsc", "template", "concat", "clean"}

// persistentTasks start watchers or servers; tool errors don't end a run that includes them
var persistentTasks = map[string]bool{
	"watch-less": true,
	"watch":      true,
	"connect":    true,
}

// Options change how a session executes tasks
type Options struct {
	DryRun bool
	Force  bool
	// Message is a text/template for tool error notifications
	Message string
}

// Session owns the task graph of a project together with the watchers and the dev server started
// by its tasks
type Session struct {
	Project *Project

	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zerolog.Logger
	opts     Options
	tasks    buildsys.TaskList
	notifier *Notifier
	dataURIs libcache.Cache

	lock        sync.Mutex
	watchers    map[string]*watch.Watcher
	server      *devserver.Server
	reloadPaths []string

	// set while the last tsc run failed without emitting any JavaScript
	scriptsMissing bool
}

// NewSession registers all built-in tasks for project. ctx must carry a logger and outlive every
// watcher or server the session starts.
func NewSession(ctx context.Context, project *Project, opts Options) (*Session, error) {
	if opts.Message == "" {
		opts.Message = DefaultMessage
	}

	logger := buildsys.Log(ctx)
	notifier, err := NewNotifier(logger, opts.Message)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		Project:  project,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		tasks:    buildsys.TaskList{},
		notifier: notifier,
		dataURIs: libcache.LRU.New(0),
		watchers: make(map[string]*watch.Watcher),
	}

	if err = s.register(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Tasks returns the session's task graph. Additional tasks have to be added before the first Run().
func (s *Session) Tasks() buildsys.TaskList {
	return s.tasks
}

// Run executes the named tasks. Tool errors are reported and swallowed if the requested tasks start a
// watcher or server, otherwise they fail the run. The decision is made for every call.
func (s *Session) Run(ctx context.Context, names ...string) error {
	order, err := buildsys.Resolve(s.tasks, names...)
	if err != nil {
		return err
	}

	keepGoing := false
	for _, name := range order {
		if persistentTasks[name] {
			keepGoing = true
			break
		}
	}

	return s.newRunner(keepGoing).Run(ctx, names...)
}

// Rebuild re-runs the compile sub graph the way the watcher does: tool errors are reported and
// swallowed.
func (s *Session) Rebuild(ctx context.Context) error {
	return s.newRunner(true).Run(ctx, RebuildTasks...)
}

func (s *Session) newRunner(keepGoing bool) *buildsys.Runner {
	return &buildsys.Runner{
		Tasks: s.tasks,
		OnError: func(task string, err error) error {
			s.notifier.Notify(task, err)

			if keepGoing && IsToolError(err) {
				return nil
			}
			return err
		},
		DryRun: s.opts.DryRun,
		Force:  s.opts.Force,
	}
}

// Active reports whether a watcher or server is running
func (s *Session) Active() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.watchers) > 0 || s.server != nil
}

// Wait blocks until ctx is cancelled if the session has active watchers or servers and shuts them
// down afterwards
func (s *Session) Wait(ctx context.Context) error {
	if !s.Active() {
		return s.Close(ctx)
	}

	s.logger.Info().Msg("Waiting for changes. Press Ctrl+C to stop.")
	<-ctx.Done()
	return s.Close(context.Background())
}

// Close stops all watchers and the dev server
func (s *Session) Close(ctx context.Context) error {
	s.lock.Lock()
	watchers := s.watchers
	server := s.server
	s.watchers = make(map[string]*watch.Watcher)
	s.server = nil
	s.lock.Unlock()

	s.cancel()

	var result error
	for name, watcher := range watchers {
		if err := watcher.Stop(); err != nil && result == nil {
			result = eris.Wrapf(err, "failed to stop watcher %s", name)
		}
	}

	if server != nil {
		if err := server.Shutdown(ctx); err != nil && result == nil {
			result = eris.Wrap(err, "failed to stop the dev server")
		}
	}

	return result
}

// startWatcher runs tasks whenever a file matching patterns changes. Every watcher name can only be
// used once per session.
func (s *Session) startWatcher(name string, patterns []string, onChange func(changed []string)) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, found := s.watchers[name]; found {
		return eris.Wrapf(ErrAlreadyWatching, "watcher %s", name)
	}

	watcher, err := watch.Start(s.ctx, watch.Options{
		Name:     name,
		Root:     s.Project.Root,
		Patterns: patterns,
		Lull:     s.Project.Config.Watch.Lull,
		Handler: func(ctx context.Context, changed []string) {
			s.logger.Info().Str("watcher", name).Strs("changed", changed).Msg("change detected")
			onChange(changed)
		},
	})
	if err != nil {
		return err
	}

	s.watchers[name] = watcher
	return nil
}

func (s *Session) runFromWatcher(names ...string) {
	s.reportWatchRun(s.newRunner(true).Run(s.ctx, names...), names)
}

func (s *Session) reportWatchRun(err error, names []string) {
	if err != nil && s.ctx.Err() == nil {
		s.logger.Error().Err(err).Strs("tasks", names).Msg("rebuild failed")
	}
}
