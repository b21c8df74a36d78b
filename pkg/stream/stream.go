// Package stream implements the file records passed between build steps and the usual steps working
// on them: reading files by glob, transforming, concatenating and writing them back out.
package stream

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
)

// File is a single file flowing through a pipeline
type File struct {
	Cwd      string
	Base     string
	Path     string
	Contents []byte
}

// Relative returns Path relative to Base using forward slashes
func (f *File) Relative() string {
	rel, err := filepath.Rel(f.Base, f.Path)
	if err != nil {
		return filepath.ToSlash(f.Path)
	}
	return filepath.ToSlash(rel)
}

// Files is an ordered set of stream files
type Files []*File

// GlobParent returns the directory part of pattern that precedes the first glob meta character
func GlobParent(pattern string) string {
	pattern = filepath.ToSlash(pattern)
	parts := strings.Split(pattern, "/")

	var static []string
	for idx, part := range parts {
		// the last part is the file name pattern itself
		if idx == len(parts)-1 || strings.ContainsAny(part, "*?[{") {
			break
		}
		static = append(static, part)
	}

	if len(static) == 0 {
		if strings.HasPrefix(pattern, "/") {
			return "/"
		}
		return "."
	}

	result := strings.Join(static, "/")
	if result == "" {
		return "/"
	}
	return filepath.FromSlash(result)
}

// Src reads every regular file matching patterns (relative to cwd). Each file's base is the glob
// parent of the pattern it matched.
func Src(ctx context.Context, cwd string, patterns ...string) (Files, error) {
	result := Files{}
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		base := GlobParent(pattern)
		if !filepath.IsAbs(base) {
			base = filepath.Join(cwd, base)
		}

		matches, err := buildsys.Glob(cwd, []string{pattern})
		if err != nil {
			return nil, err
		}

		for _, match := range matches {
			if seen[match] {
				continue
			}

			info, err := os.Stat(match)
			if err != nil {
				if eris.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, eris.Wrapf(err, "failed to check %s", match)
			}

			if !info.Mode().IsRegular() {
				continue
			}

			contents, err := ioutil.ReadFile(match)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to read %s", match)
			}

			seen[match] = true
			result = append(result, &File{
				Cwd:      cwd,
				Base:     base,
				Path:     match,
				Contents: contents,
			})
		}
	}

	buildsys.Log(ctx).Debug().Strs("patterns", patterns).Int("files", len(result)).Msg("read sources")
	return result, nil
}

// Map calls fn on every file in order and stops at the first error
func (files Files) Map(fn func(*File) error) error {
	for _, file := range files {
		if err := fn(file); err != nil {
			return eris.Wrapf(err, "failed to process %s", file.Relative())
		}
	}
	return nil
}

// Concat joins the contents of all files with sep into a new file called name. The new file uses the
// cwd and base of the first file.
func (files Files) Concat(name, sep string) *File {
	result := &File{}
	if len(files) > 0 {
		result.Cwd = files[0].Cwd
		result.Base = files[0].Base
	}
	result.Path = filepath.Join(result.Base, name)

	parts := make([][]byte, len(files))
	for idx, file := range files {
		parts[idx] = file.Contents
	}
	result.Contents = bytes.Join(parts, []byte(sep))

	return result
}

// Dest writes every file to dir, keeping its path relative to its base. Path and Base are updated to
// point to the written file.
func (files Files) Dest(dir string) error {
	for _, file := range files {
		target := filepath.Join(dir, filepath.FromSlash(file.Relative()))
		if err := os.MkdirAll(filepath.Dir(target), 0o770); err != nil {
			return eris.Wrapf(err, "failed to create directory for %s", target)
		}

		if err := ioutil.WriteFile(target, file.Contents, 0o660); err != nil {
			return eris.Wrapf(err, "failed to write %s", target)
		}

		file.Base = dir
		file.Path = target
	}
	return nil
}

// Clean removes the given paths (relative to cwd) including directories. Missing paths are ignored.
func Clean(cwd string, paths ...string) error {
	for _, path := range paths {
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}

		if err := os.RemoveAll(path); err != nil {
			return eris.Wrapf(err, "failed to remove %s", path)
		}
	}
	return nil
}
