package pipeline

import (
	"context"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
)

type taskDef struct {
	name   string
	desc   string
	deps   []string
	action func(s *Session) buildsys.Action
}

var taskDefs = []taskDef{
	{"bower", "Inject bower dependencies into index.html", nil, func(s *Session) buildsys.Action { return s.injectBower }},
	{"path-adjust", "Fix reference paths in library definitions", nil, func(s *Session) buildsys.Action { return s.adjustPaths }},
	{"clean-defs", "Remove " + DefsFile, nil, func(s *Session) buildsys.Action { return s.cleanDefs }},
	{"tsc", "Compile TypeScript sources", []string{"clean-defs"}, func(s *Session) buildsys.Action { return s.compileTypeScript }},
	{"less", "Compile stylesheets", nil, func(s *Session) buildsys.Action { return s.compileLess }},
	{"template", "Bundle HTML templates", []string{"tsc"}, func(s *Session) buildsys.Action { return s.bundleTemplates }},
	{"concat", "Build the script bundle", []string{"template"}, func(s *Session) buildsys.Action { return s.concat }},
	{"clean", "Remove intermediate files", []string{"concat"}, func(s *Session) buildsys.Action { return s.clean }},
	{"embed-images", "Inline images into " + IconsCSS, []string{"concat"}, func(s *Session) buildsys.Action { return s.embedImages }},
	{"build", "Build everything", []string{"bower", "path-adjust", "tsc", "less", "template", "concat", "clean"}, nil},
	{"watch-less", "Recompile stylesheets on change", nil, func(s *Session) buildsys.Action { return s.watchLess }},
	{"watch", "Build, then rebuild and reload on change", []string{"build", "watch-less"}, func(s *Session) buildsys.Action { return s.watch }},
	{"connect", "Start the development server", []string{"watch"}, func(s *Session) buildsys.Action { return s.connect }},
	{"reload", "Tell browsers to reload", nil, func(s *Session) buildsys.Action { return s.reload }},
	{"default", "Build, watch and serve", []string{"connect"}, nil},
}

func (s *Session) register() error {
	for _, def := range taskDefs {
		var action buildsys.Action
		if def.action != nil {
			action = def.action(s)
		}

		task, err := s.tasks.Register(def.name, def.deps, action)
		if err != nil {
			return err
		}

		task.Desc = def.desc
		task.Base = s.Project.Root
	}
	return nil
}

func (s *Session) watchLess(ctx context.Context) error {
	return s.startWatcher("watch-less", []string{LessSources}, func(changed []string) {
		s.runFromWatcher("less")
	})
}

func (s *Session) watch(ctx context.Context) error {
	p := s.Project
	reloadPatterns := []string{"libs/**/*.js", "libs/**/*.css", "index.html", p.DistJS(), p.DistCSS()}
	err := s.startWatcher("reload", reloadPatterns, func(changed []string) {
		s.lock.Lock()
		s.reloadPaths = changed
		s.lock.Unlock()

		s.runFromWatcher("reload")
	})
	if err != nil {
		return err
	}

	return s.startWatcher("rebuild", []string{LibDefinitions, TypeScriptSources, TemplateSources}, func(changed []string) {
		s.reportWatchRun(s.Rebuild(s.ctx), RebuildTasks)
	})
}

func (s *Session) reload(ctx context.Context) error {
	s.lock.Lock()
	server := s.server
	paths := s.reloadPaths
	s.reloadPaths = nil
	s.lock.Unlock()

	if server == nil {
		buildsys.Log(ctx).Info().Msg("no dev server running, nothing to reload")
		return nil
	}

	if len(paths) == 0 {
		paths = []string{"index.html"}
	}

	for _, path := range paths {
		server.Reload(path)
	}
	return nil
}
