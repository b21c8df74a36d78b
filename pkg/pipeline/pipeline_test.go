package pipeline

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
	"github.com/jimmidyson/hawtio-jmx/pkg/config"
	"github.com/jimmidyson/hawtio-jmx/pkg/stream"
)

const fakeTsc = `#!/bin/sh
out=""
root=""
while [ $# -gt 0 ]; do
  case "$1" in
    --outDir) out="$2"; shift 2 ;;
    --rootDir) root="$2"; shift 2 ;;
    --target|--module) shift 2 ;;
    --declaration) shift ;;
    *)
      rel="${1#$root/}"
      base="${rel%.ts}"
      mkdir -p "$out/$(dirname "$base")"
      echo "// compiled $rel" > "$out/$base.js"
      echo "declare module X {}" > "$out/$base.d.ts"
      shift ;;
  esac
done
`

const brokenTsc = `#!/bin/sh
echo "plugins/main/a.ts(1,5): error TS1005: ';' expected."
exit 2
`

// failingTsc emits JavaScript but reports a type error, like tsc does by default
const failingTsc = fakeTsc + `echo "plugins/main/a.ts(1,8): error TS2304: Cannot find name 'x'." >&2
exit 2
`

const fakeLessc = `#!/bin/sh
for arg; do last="$arg"; done
cat "$last"
`

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, ioutil.WriteFile(path, []byte(content), 0o644))
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func writeTool(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, ioutil.WriteFile(path, []byte(script), 0o755))
	return path
}

func newProject(t *testing.T, files map[string]string) *Project {
	t.Helper()
	return newProjectIn(t, t.TempDir(), files)
}

func newProjectIn(t *testing.T, dir string, files map[string]string) *Project {
	t.Helper()
	writeFiles(t, dir, files)

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	cfg.Tools.Tsc = writeTool(t, "tsc", fakeTsc)
	cfg.Tools.Lessc = writeTool(t, "lessc", fakeLessc)

	return &Project{
		Root:     dir,
		Manifest: &config.Manifest{Name: "foo"},
		Config:   cfg,
	}
}

func newSession(t *testing.T, project *Project) *Session {
	t.Helper()
	s, err := NewSession(context.Background(), project, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

type taskLog struct {
	lock  sync.Mutex
	names []string
}

func (l *taskLog) record(tasks buildsys.TaskList) {
	for name, task := range tasks {
		name := name
		if task.Action == nil {
			continue
		}

		action := task.Action
		task.Action = func(ctx context.Context) error {
			l.lock.Lock()
			l.names = append(l.names, name)
			l.lock.Unlock()
			return action(ctx)
		}
	}
}

func (l *taskLog) sorted() []string {
	return l.sortedWithout()
}

func (l *taskLog) sortedWithout(skip ...string) []string {
	l.lock.Lock()
	defer l.lock.Unlock()

	result := []string{}
	for _, name := range l.names {
		keep := true
		for _, other := range skip {
			if name == other {
				keep = false
			}
		}
		if keep {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

func (l *taskLog) reset() {
	l.lock.Lock()
	l.names = nil
	l.lock.Unlock()
}

var sampleSources = map[string]string{
	"plugins/main/a.ts":        "module A {}",
	"plugins/main/html/a.html": "<div class=\"a\">\n</div>",
	"libs/dep/includes.d.ts":   `/// <reference path="../libs/other/defs.d.ts"/>`,
	"bower.json":               `{"name": "foo"}`,
	"index.html":               "<html></html>",
}

func TestTaskGraph(t *testing.T) {
	s := newSession(t, newProject(t, nil))
	tasks := s.Tasks()

	expected := map[string][]string{
		"bower":        nil,
		"path-adjust":  nil,
		"clean-defs":   nil,
		"tsc":          {"clean-defs"},
		"less":         nil,
		"template":     {"tsc"},
		"concat":       {"template"},
		"clean":        {"concat"},
		"embed-images": {"concat"},
		"build":        {"bower", "path-adjust", "tsc", "less", "template", "concat", "clean"},
		"watch-less":   nil,
		"watch":        {"build", "watch-less"},
		"connect":      {"watch"},
		"reload":       nil,
		"default":      {"connect"},
	}

	assert.Len(t, tasks, len(expected))
	for name, deps := range expected {
		require.Contains(t, tasks, name)
		assert.Equal(t, deps, tasks[name].Deps, name)
	}
}

func TestRebuildRunsCompileSubgraph(t *testing.T) {
	project := newProject(t, sampleSources)
	s := newSession(t, project)

	var log taskLog
	log.record(s.Tasks())

	require.NoError(t, s.Rebuild(context.Background()))
	assert.Equal(t, []string{"clean", "clean-defs", "concat", "template", "tsc"}, log.sorted())

	templates, err := stream.Src(context.Background(), project.Root, TemplateSources)
	require.NoError(t, err)

	expected := "// compiled main/a.ts\n" + "\n" + TemplateCache("foo-templates", TemplatesRoot, templates)
	assert.Equal(t, expected, readFile(t, project.Path("dist", "foo.js")))

	assert.NoFileExists(t, project.Path(CompiledJS))
	assert.NoFileExists(t, project.Path(TemplatesJS))
	assert.Equal(t, `/// <reference path="d.ts/main/a.d.ts"/>`+"\n", readFile(t, project.Path(DefsFile)))
	assert.FileExists(t, project.Path("d.ts", "main", "a.d.ts"))
}

func TestRebuildReplacesDefinitions(t *testing.T) {
	project := newProject(t, sampleSources)
	s := newSession(t, project)

	require.NoError(t, s.Rebuild(context.Background()))
	require.NoError(t, s.Rebuild(context.Background()))

	// clean-defs runs before every tsc, so references don't pile up
	assert.Equal(t, `/// <reference path="d.ts/main/a.d.ts"/>`+"\n", readFile(t, project.Path(DefsFile)))
}

func TestBuild(t *testing.T) {
	files := map[string]string{
		"plugins/main/less/a.less": ".a { color: red; }",
		"plugins/main/less/b.less": ".b { color: blue; }",
	}
	for name, content := range sampleSources {
		files[name] = content
	}
	project := newProject(t, files)
	s := newSession(t, project)

	var log taskLog
	log.record(s.Tasks())

	require.NoError(t, s.Run(context.Background(), "build"))
	assert.Equal(t, []string{"bower", "clean", "clean-defs", "concat", "less", "path-adjust", "template", "tsc"}, log.sorted())

	assert.FileExists(t, project.Path("dist", "foo.js"))
	assert.Equal(t, ".a { color: red; }\n.b { color: blue; }", readFile(t, project.Path("dist", "foo.css")))
	assert.Equal(t, `/// <reference path="../../../libs/other/defs.d.ts"/>`, readFile(t, project.Path("libs", "dep", "includes.d.ts")))
	assert.False(t, s.Active())
}

func TestBuildInDirectoryWithSpaces(t *testing.T) {
	project := newProjectIn(t, filepath.Join(t.TempDir(), "my project"), sampleSources)
	s := newSession(t, project)

	require.NoError(t, s.Run(context.Background(), "build"))
	assert.True(t, strings.HasPrefix(readFile(t, project.Path("dist", "foo.js")), "// compiled main/a.ts\n"))
	assert.Equal(t, `/// <reference path="d.ts/main/a.d.ts"/>`+"\n", readFile(t, project.Path(DefsFile)))
}

func TestOneShotBuildFailsOnToolError(t *testing.T) {
	project := newProject(t, sampleSources)
	project.Config.Tools.Tsc = writeTool(t, "tsc", brokenTsc)
	s := newSession(t, project)

	var log taskLog
	log.record(s.Tasks())

	err := s.Run(context.Background(), "build")
	require.Error(t, err)

	var toolErr *ToolError
	require.True(t, eris.As(err, &toolErr))
	assert.Equal(t, "Typescript compilation error", toolErr.Title)
	assert.Contains(t, toolErr.Message, "TS1005")
	assert.NotContains(t, log.sorted(), "concat")
}

func TestWatchSwallowsToolErrors(t *testing.T) {
	project := newProject(t, sampleSources)
	project.Config.Tools.Tsc = writeTool(t, "tsc", brokenTsc)
	s := newSession(t, project)

	var log taskLog
	log.record(s.Tasks())

	require.NoError(t, s.Run(context.Background(), "watch"))
	assert.Contains(t, log.sorted(), "concat", "dependants of a failed tool still run")
	assert.True(t, s.Active())

	err := s.Run(context.Background(), "watch")
	assert.True(t, eris.Is(err, ErrAlreadyWatching))

	require.NoError(t, s.Close(context.Background()))
	assert.False(t, s.Active())
}

func TestWatchRebuildsOnSourceChange(t *testing.T) {
	project := newProject(t, sampleSources)
	project.Config.Watch.Lull = 20 * time.Millisecond
	s := newSession(t, project)

	var log taskLog
	log.record(s.Tasks())

	require.NoError(t, s.Run(context.Background(), "watch"))
	log.reset()

	writeFiles(t, project.Root, map[string]string{"plugins/main/a.ts": "module A { var b; }"})

	// bundle changes also trigger the reload watcher, which isn't part of the rebuild
	expected := []string{"clean", "clean-defs", "concat", "template", "tsc"}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(expected, log.sortedWithout("reload"))
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(10 * project.Config.Watch.Lull)
	assert.Equal(t, expected, log.sortedWithout("reload"))
	assert.NotContains(t, log.sorted(), "bower")
}

func TestToolErrorPolicyIsDecidedPerRun(t *testing.T) {
	project := newProject(t, sampleSources)
	project.Config.Tools.Tsc = writeTool(t, "tsc", brokenTsc)
	s := newSession(t, project)

	require.NoError(t, s.Run(context.Background(), "watch"))

	err := s.Run(context.Background(), "tsc")
	assert.True(t, IsToolError(err), "a one-shot run after a watch still fails on tool errors")
}

func TestWatchKeepsEmittedScriptsOnTypeErrors(t *testing.T) {
	project := newProject(t, sampleSources)
	project.Config.Tools.Tsc = writeTool(t, "tsc", failingTsc)
	s := newSession(t, project)

	require.NoError(t, s.Run(context.Background(), "watch"))
	assert.True(t, strings.HasPrefix(readFile(t, project.Path("dist", "foo.js")), "// compiled main/a.ts\n"))
	assert.Equal(t, `/// <reference path="d.ts/main/a.d.ts"/>`+"\n", readFile(t, project.Path(DefsFile)))

	err := s.Run(context.Background(), "tsc")
	var toolErr *ToolError
	require.True(t, eris.As(err, &toolErr))
	assert.Contains(t, toolErr.Message, "TS2304")
}

func TestFailedCompileKeepsPreviousBundle(t *testing.T) {
	files := map[string]string{"dist/foo.js": "// previous bundle"}
	for name, content := range sampleSources {
		files[name] = content
	}
	project := newProject(t, files)
	fixedTsc := project.Config.Tools.Tsc
	project.Config.Tools.Tsc = writeTool(t, "tsc", brokenTsc)
	s := newSession(t, project)

	require.NoError(t, s.Rebuild(context.Background()))
	assert.Equal(t, "// previous bundle", readFile(t, project.Path("dist", "foo.js")))

	project.Config.Tools.Tsc = fixedTsc
	require.NoError(t, s.Rebuild(context.Background()))
	assert.True(t, strings.HasPrefix(readFile(t, project.Path("dist", "foo.js")), "// compiled main/a.ts\n"))
}

func TestConcatSkipsMissingInputs(t *testing.T) {
	project := newProject(t, map[string]string{CompiledJS: "var a;"})
	s := newSession(t, project)

	require.NoError(t, s.concat(context.Background()))
	assert.Equal(t, "var a;", readFile(t, project.Path("dist", "foo.js")))
}

func TestConcatWithoutInputs(t *testing.T) {
	project := newProject(t, nil)
	s := newSession(t, project)

	require.NoError(t, s.concat(context.Background()))
	assert.NoFileExists(t, project.Path("dist", "foo.js"))
}

func TestPathAdjustIsIdempotent(t *testing.T) {
	project := newProject(t, map[string]string{
		"libs/a/includes.d.ts":   `/// <reference path="../libs/x.d.ts"/>` + "\n" + `/// <reference path="../libs/y.d.ts"/>`,
		"libs/b/c/includes.d.ts": `/// <reference path="../libs/z.d.ts"/>`,
		"libs/b/other.d.ts":      `/// <reference path="../libs/z.d.ts"/>`,
	})
	s := newSession(t, project)

	expected := `/// <reference path="../../../libs/x.d.ts"/>` + "\n" + `/// <reference path="../../../libs/y.d.ts"/>`
	for i := 0; i < 2; i++ {
		require.NoError(t, s.adjustPaths(context.Background()))
		assert.Equal(t, expected, readFile(t, project.Path("libs", "a", "includes.d.ts")))
		assert.Equal(t, `/// <reference path="../../../libs/z.d.ts"/>`, readFile(t, project.Path("libs", "b", "c", "includes.d.ts")))
	}

	assert.Equal(t, `/// <reference path="../libs/z.d.ts"/>`, readFile(t, project.Path("libs", "b", "other.d.ts")))
}

func TestTemplateCache(t *testing.T) {
	files := stream.Files{
		{Base: "/p/plugins", Path: "/p/plugins/main/html/a.html", Contents: []byte("<div class=\"a\">\n\t<span>\\</span>\r\n</div>")},
		{Base: "/p/plugins", Path: "/p/plugins/b.html", Contents: []byte("<p>{{x}}</p>")},
	}

	expected := `angular.module("foo-templates", []).run(["$templateCache", function($templateCache) {` +
		`$templateCache.put("plugins/main/html/a.html","<div class=\"a\">\n\t<span>\\</span>\r\n</div>");` + "\n" +
		`$templateCache.put("plugins/b.html","<p>{{x}}</p>");` +
		`}]); hawtioPluginLoader.addModule("foo-templates");`

	assert.Equal(t, expected, TemplateCache("foo-templates", TemplatesRoot, files))
}

func TestEscapeJS(t *testing.T) {
	assert.Equal(t, `a b\x01\\\"`, escapeJS("a b\x01\\\""))
	assert.Equal(t, `line\u2028sep`, escapeJS("line\u2028sep"))
	assert.Equal(t, "äöü <>&", escapeJS("äöü <>&"))
}

func TestImageMIME(t *testing.T) {
	cases := map[string]string{
		"img/a.png":  "image/png",
		"img/a.svg":  "image/svg+xml",
		"img/a.gif":  "image/gif",
		"img/a.jpg":  "image/jpg",
		"img/a.JPEG": "image/jpg",
		"img/a.PNG":  "image/png",
	}
	for name, mime := range cases {
		assert.Equal(t, mime, ImageMIME(name), name)
	}
}

func TestEmbedImages(t *testing.T) {
	project := newProject(t, map[string]string{
		"img/icons/a.png":  "PNG",
		"img/b.gif":        "GIF",
		"img/c.txt":        "TXT",
		"dist/" + IconsCSS: ".a { background: url(img/icons/a.png); }\n.b { background: url(img/b.gif); } .c { background: url(img/icons/a.png); }",
	})
	s := newSession(t, project)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.embedImages(context.Background()))
	}

	expected := ".a { background: url(data:image/png;base64,UE5H); }\n.b { background: url(data:image/gif;base64,R0lG); } .c { background: url(data:image/png;base64,UE5H); }"
	assert.Equal(t, expected, readFile(t, project.Path("dist", IconsCSS)))
}

func TestEmbedImagesWithoutStylesheet(t *testing.T) {
	s := newSession(t, newProject(t, map[string]string{"img/a.png": "PNG"}))
	assert.NoError(t, s.embedImages(context.Background()))
}

func TestInjectBower(t *testing.T) {
	project := newProject(t, map[string]string{
		"bower.json": `{
  "name": "foo",
  "dependencies": {
    "angular": "~1.2",
    "bootstrap": "~3.0"
  },
  "overrides": {
    "bootstrap": {"main": ["dist/css/bootstrap.css"]}
  }
}`,
		".bowerrc":                              `{"directory": "libs"}`,
		"libs/angular/.bower.json":              `{"name": "angular", "main": "./angular.js", "dependencies": {"jquery": "*"}}`,
		"libs/angular/angular.js":               "",
		"libs/jquery/bower.json":                `{"name": "jquery", "main": ["dist/jquery.js"]}`,
		"libs/jquery/dist/jquery.js":            "",
		"libs/bootstrap/bower.json":             `{"name": "bootstrap", "main": ["dist/js/bootstrap.js", "less/bootstrap.less"]}`,
		"libs/bootstrap/dist/css/bootstrap.css": "",
		"index.html": `<html>
  <head>
    <!-- bower:css -->
    <link rel="stylesheet" href="old.css" />
    <!-- endbower -->
  </head>
  <body>
    <!-- bower:js -->
    <!-- endbower -->
  </body>
</html>`,
	})
	s := newSession(t, project)

	expected := `<html>
  <head>
    <!-- bower:css -->
    <link rel="stylesheet" href="libs/bootstrap/dist/css/bootstrap.css" />
    <!-- endbower -->
  </head>
  <body>
    <!-- bower:js -->
    <script src="libs/jquery/dist/jquery.js"></script>
    <script src="libs/angular/angular.js"></script>
    <!-- endbower -->
  </body>
</html>`

	for i := 0; i < 2; i++ {
		require.NoError(t, s.injectBower(context.Background()))
		assert.Equal(t, expected, readFile(t, project.Path("index.html")))
	}
}

func TestBowerDirectoryDefault(t *testing.T) {
	dir, err := BowerDirectory(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "bower_components", dir)
}

func TestReloadWithoutServer(t *testing.T) {
	s := newSession(t, newProject(t, nil))
	assert.NoError(t, s.Run(context.Background(), "reload"))
}

func TestNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	n, err := NewNotifier(&logger, "[{{.Title}}] {{.Message}}")
	require.NoError(t, err)

	n.Notify("less", &ToolError{Title: "less file compilation error", Message: "unexpected }"})
	assert.Contains(t, buf.String(), `less file compilation error\n[less file compilation error] unexpected }`)
	assert.Contains(t, buf.String(), `"task":"less"`)

	buf.Reset()
	n.Notify("concat", eris.New("disk full"))
	assert.Contains(t, buf.String(), "disk full")

	_, err = NewNotifier(&logger, "{{.Broken")
	assert.Error(t, err)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "/tmp/a.ts", shellQuote("/tmp/a.ts"))
	assert.Equal(t, "--include-path=/x/less/includes", shellQuote("--include-path=/x/less/includes"))
	assert.Equal(t, "'a b'", shellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
	assert.True(t, strings.HasPrefix(shellQuote("$HOME"), "'"))
}
