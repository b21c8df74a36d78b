package pipeline

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
	"github.com/jimmidyson/hawtio-jmx/pkg/stream"
)

var (
	libsReference      = []byte(`"../libs`)
	libsReferenceFixed = []byte(`"../../../libs`)
)

// adjustPaths rewrites the reference paths of TypeScript plugins this project depends on
func (s *Session) adjustPaths(ctx context.Context) error {
	files, err := stream.Src(ctx, s.Project.Root, LibIncludes)
	if err != nil {
		return err
	}

	return files.Map(func(f *stream.File) error {
		updated := bytes.ReplaceAll(f.Contents, libsReference, libsReferenceFixed)
		if bytes.Equal(updated, f.Contents) {
			return nil
		}

		buildsys.Log(ctx).Debug().Str("path", f.Path).Msg("adjusted references")
		return ioutil.WriteFile(f.Path, updated, 0o660)
	})
}

func (s *Session) cleanDefs(ctx context.Context) error {
	return stream.Clean(s.Project.Root, DefsFile)
}

func (s *Session) setScriptsMissing(missing bool) {
	s.lock.Lock()
	s.scriptsMissing = missing
	s.lock.Unlock()
}

func (s *Session) compileTypeScript(ctx context.Context) error {
	p := s.Project
	sources, err := stream.Src(ctx, p.Root, TypeScriptSources)
	if err != nil {
		return err
	}

	if len(sources) == 0 {
		s.setScriptsMissing(false)
		buildsys.Log(ctx).Warn().Msgf("no files match %s", TypeScriptSources)
		return nil
	}

	outDir, err := ioutil.TempDir("", "hawtio-tsc")
	if err != nil {
		return eris.Wrap(err, "failed to create temporary directory")
	}
	defer os.RemoveAll(outDir)

	srcRoot := p.Path(stream.GlobParent(TypeScriptSources))
	args := []string{
		"--target", "ES5",
		"--module", "commonjs",
		"--declaration",
		"--rootDir", srcRoot,
		"--outDir", outDir,
	}
	for _, src := range sources {
		args = append(args, src.Path)
	}

	// tsc still emits JavaScript for type errors, so the output is collected before reporting them
	_, toolErr := s.runTool(ctx, "Typescript compilation error", p.Config.Tools.Tsc, args...)
	if toolErr != nil && !IsToolError(toolErr) {
		return toolErr
	}

	// keep the source order in the bundle
	js := stream.Files{}
	for _, src := range sources {
		if strings.HasSuffix(src.Path, ".d.ts") {
			continue
		}

		compiled := filepath.Join(outDir, strings.TrimSuffix(filepath.FromSlash(src.Relative()), ".ts")+".js")
		contents, err := ioutil.ReadFile(compiled)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return eris.Wrapf(err, "failed to read %s", compiled)
		}

		js = append(js, &stream.File{Cwd: p.Root, Base: outDir, Path: compiled, Contents: contents})
	}

	s.setScriptsMissing(toolErr != nil && len(js) == 0)
	if len(js) == 0 && toolErr != nil {
		return toolErr
	}

	bundle := js.Concat(CompiledJS, "\n")
	if err = (stream.Files{bundle}).Dest(p.Root); err != nil {
		return err
	}

	if err = s.writeDefinitions(ctx, outDir); err != nil {
		return err
	}
	return toolErr
}

// writeDefinitions copies the generated declarations to d.ts/ and references each of them in defs.d.ts
func (s *Session) writeDefinitions(ctx context.Context, outDir string) error {
	p := s.Project
	dts, err := stream.Src(ctx, outDir, "**/*.d.ts")
	if err != nil {
		return err
	}

	if err = dts.Dest(p.Path(DefsDir)); err != nil {
		return err
	}

	defs, err := os.OpenFile(p.Path(DefsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o660)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", DefsFile)
	}
	defer defs.Close()

	for _, file := range dts {
		rel, err := filepath.Rel(p.Root, file.Path)
		if err != nil {
			return err
		}

		if _, err = defs.WriteString(`/// <reference path="` + filepath.ToSlash(rel) + `"/>` + "\n"); err != nil {
			return eris.Wrapf(err, "failed to write %s", DefsFile)
		}
	}

	return defs.Close()
}
