package libs

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// archives have to be reproducible since their checksums are compared
var archiveFiles = []struct{ name, content string }{
	{"pkg-1.0/dist/lib.js", "console.log('lib');"},
	{"pkg-1.0/dist/lib.css", ".lib { color: red; }"},
	{"pkg-1.0/package.json", `{"name": "lib"}`},
}

func writeTar(t *testing.T, w io.Writer) {
	archive := tar.NewWriter(w)
	require.NoError(t, archive.WriteHeader(&tar.Header{Name: "pkg-1.0/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for _, file := range archiveFiles {
		require.NoError(t, archive.WriteHeader(&tar.Header{
			Name:     file.name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(file.content)),
		}))
		_, err := archive.Write([]byte(file.content))
		require.NoError(t, err)
	}
	require.NoError(t, archive.Close())
}

func tarGz(t *testing.T) []byte {
	buf := bytes.Buffer{}
	writer := gzip.NewWriter(&buf)
	writeTar(t, writer)
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func tarXz(t *testing.T) []byte {
	buf := bytes.Buffer{}
	writer, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	writeTar(t, writer)
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func zipArchive(t *testing.T) []byte {
	buf := bytes.Buffer{}
	archive := zip.NewWriter(&buf)
	for _, file := range archiveFiles {
		w, err := archive.Create(file.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(file.content))
		require.NoError(t, err)
	}
	require.NoError(t, archive.Close())
	return buf.Bytes()
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type fileServer struct {
	*httptest.Server
	requests int32
}

func serveArchives(t *testing.T, files map[string][]byte) *fileServer {
	srv := &fileServer{}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&srv.requests, 1)
		data, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeManifest(t *testing.T, root, content string) {
	require.NoError(t, ioutil.WriteFile(filepath.Join(root, ManifestFile), []byte(content), 0o644))
}

func assertExtracted(t *testing.T, dest string) {
	content, err := ioutil.ReadFile(filepath.Join(dest, "dist", "lib.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('lib');", string(content))
	assert.FileExists(t, filepath.Join(dest, "package.json"))
}

func TestFetchArchiveFormats(t *testing.T) {
	archives := map[string][]byte{
		"lib.tar.gz": tarGz(t),
		"lib.tar.xz": tarXz(t),
		"lib.zip":    zipArchive(t),
	}
	srv := serveArchives(t, archives)

	for name, data := range archives {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			writeManifest(t, root, `libs:
  lib:
    url: `+srv.URL+"/"+name+`
    dest: libs/lib
    strip: 1
    sha256: `+checksum(data)+"\n")

			require.NoError(t, Fetch(context.Background(), Options{Root: root}))
			assertExtracted(t, filepath.Join(root, "libs", "lib"))
		})
	}
}

func TestFetchSkipsStampedLibraries(t *testing.T) {
	data := tarGz(t)
	srv := serveArchives(t, map[string][]byte{"lib.tar.gz": data})
	root := t.TempDir()
	writeManifest(t, root, `libs:
  lib:
    url: `+srv.URL+`/lib.tar.gz
    dest: libs/lib
    strip: 1
    sha256: `+checksum(data)+"\n")

	ctx := context.Background()
	require.NoError(t, Fetch(ctx, Options{Root: root}))
	require.NoError(t, Fetch(ctx, Options{Root: root}))
	assert.EqualValues(t, 1, atomic.LoadInt32(&srv.requests))

	stamps, err := readStamps(filepath.Join(root, StampFile))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/lib.tar.gz#"+checksum(data), stamps["lib"])

	// a deleted destination is fetched again
	require.NoError(t, os.RemoveAll(filepath.Join(root, "libs")))
	require.NoError(t, Fetch(ctx, Options{Root: root}))
	assert.EqualValues(t, 2, atomic.LoadInt32(&srv.requests))
	assertExtracted(t, filepath.Join(root, "libs", "lib"))
}

func TestFetchChecksumMismatch(t *testing.T) {
	srv := serveArchives(t, map[string][]byte{"lib.zip": zipArchive(t)})
	root := t.TempDir()
	writeManifest(t, root, `libs:
  lib:
    url: `+srv.URL+`/lib.zip
    dest: libs/lib
    sha256: 0000
`)

	err := Fetch(context.Background(), Options{Root: root})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrChecksum))
	assert.NoDirExists(t, filepath.Join(root, "libs", "lib"))
}

func TestFetchRequiresChecksum(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, `libs:
  lib:
    url: http://127.0.0.1:1/lib.zip
    dest: libs/lib
`)

	err := Fetch(context.Background(), Options{Root: root})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doesn't have a checksum")
}

func TestFetchUpdateRewritesChecksums(t *testing.T) {
	data := zipArchive(t)
	srv := serveArchives(t, map[string][]byte{"lib.zip": data, "other.tar.gz": tarGz(t)})
	root := t.TempDir()
	writeManifest(t, root, `# front-end libraries
libs:
  lib:
    url: `+srv.URL+`/lib.zip
    dest: libs/lib
    sha256: "0000" # outdated
  other:
    url: `+srv.URL+`/other.tar.gz
    dest: libs/other
    strip: 1
`)

	require.NoError(t, Fetch(context.Background(), Options{Root: root, Update: true}))

	content, err := ioutil.ReadFile(filepath.Join(root, ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(content), "# front-end libraries\n")
	assert.Contains(t, string(content), "    sha256: "+checksum(data)+" # outdated\n")
	assert.Contains(t, string(content), "  other:\n    sha256: "+checksum(tarGz(t))+"\n    url: ")

	// the updated manifest is valid for a regular fetch
	require.NoError(t, os.RemoveAll(filepath.Join(root, "libs")))
	require.NoError(t, Fetch(context.Background(), Options{Root: root}))
	assert.FileExists(t, filepath.Join(root, "libs", "lib", "pkg-1.0", "dist", "lib.js"))
}

func TestResolveConditions(t *testing.T) {
	vars := map[string]string{"linux": "true", "version": "1.2.3"}

	spec := Spec{URL: "https://example.com/lib-{version}.zip"}
	assert.True(t, spec.Resolve(vars))
	assert.Equal(t, "https://example.com/lib-1.2.3.zip", spec.URL)

	spec = Spec{Condition: "linux"}
	assert.True(t, spec.Resolve(vars))

	spec = Spec{Condition: "linux, windows"}
	assert.False(t, spec.Resolve(vars))

	spec = Spec{Rejections: "linux"}
	assert.False(t, spec.Resolve(vars))

	spec = Spec{Rejections: "darwin"}
	assert.True(t, spec.Resolve(vars))
}

func TestFetchSkipsRejectedLibraries(t *testing.T) {
	srv := serveArchives(t, map[string][]byte{})
	root := t.TempDir()
	writeManifest(t, root, `vars:
  skip: "yes"
libs:
  lib:
    ifNot: skip
    url: `+srv.URL+`/lib.zip
    dest: libs/lib
    sha256: abc
`)

	require.NoError(t, Fetch(context.Background(), Options{Root: root}))
	assert.EqualValues(t, 0, atomic.LoadInt32(&srv.requests))
}

func TestEntryPath(t *testing.T) {
	dest := filepath.Join("out", "lib")

	path, err := entryPath(dest, "pkg/dist/a.js", 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "dist", "a.js"), path)

	path, err = entryPath(dest, "pkg/", 1)
	require.NoError(t, err)
	assert.Empty(t, path)

	_, err = entryPath(dest, "pkg/../../../etc/passwd", 1)
	assert.Error(t, err)
}

func TestUnsupportedArchive(t *testing.T) {
	_, err := getExtractor("https://example.com/lib.rar")
	assert.True(t, eris.Is(err, ErrUnsupportedArchive))

	_, err = getExtractor("https://example.com/lib.tar.gz?download=1")
	assert.NoError(t, err)
}

type tarEntry struct {
	name, link, content string
}

func writeTarGz(t *testing.T, path string, entries []tarEntry) {
	buf := bytes.Buffer{}
	gz := gzip.NewWriter(&buf)
	archive := tar.NewWriter(gz)
	for _, entry := range entries {
		header := &tar.Header{Name: entry.name, Mode: 0o644}
		if entry.link != "" {
			header.Typeflag = tar.TypeSymlink
			header.Linkname = entry.link
		} else {
			header.Typeflag = tar.TypeReg
			header.Size = int64(len(entry.content))
		}

		require.NoError(t, archive.WriteHeader(header))
		if entry.link == "" {
			_, err := archive.Write([]byte(entry.content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, archive.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, ioutil.WriteFile(path, buf.Bytes(), 0o644))
}

func TestExtractRejectsSymlinksLeavingDest(t *testing.T) {
	outside := t.TempDir()
	cases := map[string][]tarEntry{
		"absolute": {
			{name: "pkg/link", link: outside},
			{name: "pkg/link/evil.txt", content: "evil"},
		},
		"relative": {
			{name: "pkg/link", link: "../../" + filepath.Base(outside)},
			{name: "pkg/link/evil.txt", content: "evil"},
		},
		"chained": {
			{name: "pkg/sub/up", link: ".."},
			{name: "pkg/sub/out", link: "up/.."},
			{name: "pkg/sub/out/evil.txt", content: "evil"},
		},
	}

	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, "lib.tar.gz")
			writeTarGz(t, archive, entries)

			dest := filepath.Join(dir, "libs", "lib")
			err := extract(archive, "https://example.com/lib.tar.gz", dest, 1, nil)
			assert.Error(t, err)
			assert.NoFileExists(t, filepath.Join(outside, "evil.txt"))
			assert.NoFileExists(t, filepath.Join(dir, "libs", "evil.txt"))
		})
	}
}

func TestExtractKeepsSymlinksInsideDest(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "lib.tar.gz")
	writeTarGz(t, archive, []tarEntry{
		{name: "pkg/dist/lib.js", content: "var lib;"},
		{name: "pkg/current", link: "dist"},
	})

	dest := filepath.Join(dir, "libs", "lib")
	require.NoError(t, extract(archive, "https://example.com/lib.tar.gz", dest, 1, nil))

	content, err := ioutil.ReadFile(filepath.Join(dest, "current", "lib.js"))
	require.NoError(t, err)
	assert.Equal(t, "var lib;", string(content))
}
