package pipeline

import (
	"context"
	"encoding/base64"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
	"github.com/jimmidyson/hawtio-jmx/pkg/stream"
)

func (s *Session) concat(ctx context.Context) error {
	p := s.Project
	inputs := []string{CompiledJS, TemplatesJS}

	s.lock.Lock()
	scriptsMissing := s.scriptsMissing
	s.lock.Unlock()
	if scriptsMissing {
		buildsys.Log(ctx).Warn().Msgf("TypeScript compilation produced no output, keeping the previous %s", p.Manifest.JSFile())
		return nil
	}

	files, err := stream.Src(ctx, p.Root, inputs...)
	if err != nil {
		return err
	}

	if len(files) < len(inputs) {
		found := make(map[string]bool)
		for _, file := range files {
			found[file.Relative()] = true
		}

		for _, name := range inputs {
			if !found[name] {
				buildsys.Log(ctx).Warn().Str("path", name).Msgf("%s is missing, leaving it out of the bundle", name)
			}
		}
	}

	if len(files) == 0 {
		return nil
	}

	bundle := files.Concat(p.Manifest.JSFile(), "\n")
	return stream.Files{bundle}.Dest(p.Path(DistDir))
}

func (s *Session) clean(ctx context.Context) error {
	return stream.Clean(s.Project.Root, TemplatesJS, CompiledJS)
}

// ImageMIME returns the MIME type used for a data URI of the given image file
func ImageMIME(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".svg":
		return "image/svg+xml"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpg"
	}
}

type dataURIKey struct {
	path    string
	size    int64
	modTime int64
}

func (s *Session) dataURI(file string) (string, error) {
	info, err := os.Stat(file)
	if err != nil {
		return "", err
	}

	key := dataURIKey{path: file, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if cached, ok := s.dataURIs.Load(key); ok {
		return cached.(string), nil
	}

	contents, err := ioutil.ReadFile(file)
	if err != nil {
		return "", err
	}

	uri := "data:" + ImageMIME(file) + ";base64," + base64.StdEncoding.EncodeToString(contents)
	s.dataURIs.Store(key, uri)
	return uri, nil
}

// embedImages replaces image references in the dynatree stylesheet with data URIs
func (s *Session) embedImages(ctx context.Context) error {
	p := s.Project
	css, err := stream.Src(ctx, p.Root, DistDir+"/"+IconsCSS)
	if err != nil {
		return err
	}

	if len(css) == 0 {
		buildsys.Log(ctx).Warn().Msgf("%s/%s doesn't exist, nothing to embed", DistDir, IconsCSS)
		return nil
	}

	images, err := buildsys.Glob(p.Root, []string{Images})
	if err != nil {
		return err
	}

	replacements := make([]string, 0, len(images)*2)
	for _, image := range images {
		rel, err := filepath.Rel(p.Root, image)
		if err != nil {
			return err
		}

		uri, err := s.dataURI(image)
		if err != nil {
			return eris.Wrapf(err, "failed to encode %s", rel)
		}

		replacements = append(replacements, filepath.ToSlash(rel), uri)
	}

	replacer := strings.NewReplacer(replacements...)
	err = css.Map(func(f *stream.File) error {
		f.Contents = []byte(replacer.Replace(string(f.Contents)))
		return nil
	})
	if err != nil {
		return err
	}

	return css.Dest(p.Path(DistDir))
}
