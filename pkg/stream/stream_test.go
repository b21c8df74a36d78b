package stream

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, ioutil.WriteFile(path, []byte(content), 0o644))
	}
}

func TestGlobParent(t *testing.T) {
	cases := map[string]string{
		"plugins/**/*.ts":        "plugins",
		"plugins/*.html":         "plugins",
		"libs/**/includes.d.ts":  "libs",
		"img/**/*.{png,svg}":     "img",
		"*.js":                   ".",
		"compiled.js":            ".",
		"dist/foo.js":            "dist",
		"plugins/{a,b}/x/*.less": "plugins",
		"/abs/path/**/*.css":     filepath.FromSlash("/abs/path"),
	}

	for pattern, expected := range cases {
		assert.Equal(t, expected, GlobParent(pattern), pattern)
	}
}

func TestSrcKeepsRelativePaths(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"plugins/main/html/layout.html": "<div></div>",
		"plugins/other/view.html":       "<p></p>",
		"index.html":                    "<html></html>",
	})

	files, err := Src(context.Background(), dir, "plugins/**/*.html")
	require.NoError(t, err)

	rel := make([]string, len(files))
	for idx, file := range files {
		rel[idx] = file.Relative()
		assert.Equal(t, filepath.Join(dir, "plugins"), file.Base)
	}
	assert.ElementsMatch(t, []string{"main/html/layout.html", "other/view.html"}, rel)
}

func TestSrcSkipsMissingLiterals(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"compiled.js": "a"})

	files, err := Src(context.Background(), dir, "compiled.js", "templates.js")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a", string(files[0].Contents))
}

func TestSrcWithShellCharactersInCwd(t *testing.T) {
	for _, name := range []string{"my project", "cost$HOME", "it's"} {
		dir := filepath.Join(t.TempDir(), name)
		writeFiles(t, dir, map[string]string{
			"plugins/main/a.ts": "module A {}",
			"compiled.js":       "var a;",
		})

		files, err := Src(context.Background(), dir, "plugins/**/*.ts", "compiled.js")
		require.NoError(t, err, name)
		require.Len(t, files, 2, name)
		assert.Equal(t, "main/a.ts", files[0].Relative(), name)
		assert.Equal(t, "compiled.js", files[1].Relative(), name)
	}
}

func TestConcatAndDest(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"compiled.js":  "var a;",
		"templates.js": "var b;",
	})

	files, err := Src(context.Background(), dir, "compiled.js", "templates.js")
	require.NoError(t, err)

	bundle := files.Concat("foo.js", "\n")
	require.NoError(t, Files{bundle}.Dest(filepath.Join(dir, "dist")))

	content, err := ioutil.ReadFile(filepath.Join(dir, "dist", "foo.js"))
	require.NoError(t, err)
	assert.Equal(t, "var a;\nvar b;", string(content))
	assert.Equal(t, filepath.Join(dir, "dist", "foo.js"), bundle.Path)
}

func TestMap(t *testing.T) {
	files := Files{
		{Base: "/src", Path: "/src/a.txt", Contents: []byte("a")},
		{Base: "/src", Path: "/src/b.txt", Contents: []byte("b")},
	}

	require.NoError(t, files.Map(func(f *File) error {
		f.Contents = append(f.Contents, '!')
		return nil
	}))
	assert.Equal(t, "a!", string(files[0].Contents))
	assert.Equal(t, "b!", string(files[1].Contents))
}

func TestClean(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"d.ts/a.d.ts": "", "defs.d.ts": ""})

	require.NoError(t, Clean(dir, "d.ts", "defs.d.ts", "missing.js"))
	_, err := os.Stat(filepath.Join(dir, "d.ts"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "defs.d.ts"))
	assert.True(t, os.IsNotExist(err))
}
