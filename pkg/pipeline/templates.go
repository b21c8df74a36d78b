package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/jimmidyson/hawtio-jmx/pkg/stream"
)

// escapeJS turns s into the body of a double quoted JavaScript string literal
func escapeJS(s string) string {
	buf := strings.Builder{}
	buf.Grow(len(s))

	for _, r := range s {
		switch r {
		case '\\':
			buf.WriteString(`\\`)
		case '"':
			buf.WriteString(`\"`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\u2028', '\u2029':
			fmt.Fprintf(&buf, `\u%04X`, r)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&buf, `\x%02X`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}

	return buf.String()
}

// TemplateCache renders an Angular module that puts every file into $templateCache. URLs are the
// file paths relative to their glob base, prefixed with root.
func TemplateCache(module, root string, files stream.Files) string {
	buf := strings.Builder{}
	fmt.Fprintf(&buf, `angular.module("%s", []).run(["$templateCache", function($templateCache) {`, module)

	entries := make([]string, len(files))
	for idx, file := range files {
		url := path.Join(root, file.Relative())
		entries[idx] = fmt.Sprintf(`$templateCache.put("%s","%s");`, escapeJS(url), escapeJS(string(file.Contents)))
	}
	buf.WriteString(strings.Join(entries, "\n"))

	fmt.Fprintf(&buf, `}]); hawtioPluginLoader.addModule("%s");`, module)
	return buf.String()
}

func (s *Session) bundleTemplates(ctx context.Context) error {
	p := s.Project
	files, err := stream.Src(ctx, p.Root, TemplateSources)
	if err != nil {
		return err
	}

	bundle := &stream.File{
		Cwd:      p.Root,
		Base:     p.Root,
		Path:     p.Path(TemplatesJS),
		Contents: []byte(TemplateCache(p.Manifest.TemplateModule(), TemplatesRoot, files)),
	}
	return stream.Files{bundle}.Dest(p.Root)
}
