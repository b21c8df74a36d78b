package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/jimmidyson/hawtio-jmx/pkg/buildsys"
)

const defaultBowerDirectory = "bower_components"

var bowerBlock = regexp.MustCompile(`(?s)([ \t]*)(<!--\s*bower:(\w+)\s*-->)(.*?)(<!--\s*endbower\s*-->)`)

var bowerTags = map[string]string{
	"js":  `<script src="%s"></script>`,
	"css": `<link rel="stylesheet" href="%s" />`,
}

// mainFiles accepts both a single string and a list
type mainFiles []string

func (m *mainFiles) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*m = mainFiles{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*m = list
		return nil
	default:
		return eris.Errorf("line %d: main must be a string or a list", node.Line)
	}
}

// bowerManifest is the part of bower.json wiredep looks at. JSON is valid YAML and yaml.v3 keeps
// the order of the dependencies.
type bowerManifest struct {
	Main         mainFiles `yaml:"main"`
	Dependencies yaml.Node `yaml:"dependencies"`
	Overrides    map[string]struct {
		Main mainFiles `yaml:"main"`
	} `yaml:"overrides"`
}

func (m *bowerManifest) dependencyNames() []string {
	node := m.Dependencies
	if node.Kind != yaml.MappingNode {
		return nil
	}

	names := make([]string, 0, len(node.Content)/2)
	for idx := 0; idx+1 < len(node.Content); idx += 2 {
		names = append(names, node.Content[idx].Value)
	}
	return names
}

func readBowerManifest(paths ...string) (*bowerManifest, error) {
	for _, path := range paths {
		content, err := ioutil.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, eris.Wrapf(err, "failed to read %s", path)
		}

		manifest := new(bowerManifest)
		if err = yaml.Unmarshal(content, manifest); err != nil {
			return nil, eris.Wrapf(err, "failed to parse %s", path)
		}
		return manifest, nil
	}

	return nil, nil
}

// BowerDirectory returns the component directory configured in .bowerrc
func BowerDirectory(root string) (string, error) {
	content, err := ioutil.ReadFile(filepath.Join(root, ".bowerrc"))
	if err != nil {
		if os.IsNotExist(err) {
			return defaultBowerDirectory, nil
		}
		return "", eris.Wrap(err, "failed to read .bowerrc")
	}

	var rc struct {
		Directory string `json:"directory"`
	}
	if err = json.Unmarshal(content, &rc); err != nil {
		return "", eris.Wrap(err, "failed to parse .bowerrc")
	}

	if rc.Directory == "" {
		return defaultBowerDirectory, nil
	}
	return filepath.FromSlash(rc.Directory), nil
}

type bowerResolver struct {
	ctx       context.Context
	dir       string
	overrides map[string]mainFiles
	visited   map[string]bool
	files     map[string][]string
}

// visit adds the main files of name after those of its dependencies
func (r *bowerResolver) visit(name string) error {
	if r.visited[name] {
		return nil
	}
	r.visited[name] = true

	componentDir := filepath.Join(r.dir, name)
	manifest, err := readBowerManifest(filepath.Join(componentDir, ".bower.json"), filepath.Join(componentDir, "bower.json"))
	if err != nil {
		return err
	}

	if manifest == nil {
		buildsys.Log(r.ctx).Warn().Str("package", name).Msgf("%s is not installed", name)
		return nil
	}

	for _, dep := range manifest.dependencyNames() {
		if err = r.visit(dep); err != nil {
			return err
		}
	}

	main := manifest.Main
	if override, ok := r.overrides[name]; ok {
		main = override
	}

	if len(main) == 0 {
		buildsys.Log(r.ctx).Warn().Str("package", name).Msgf("%s doesn't declare any main files", name)
		return nil
	}

	matches, err := buildsys.Glob(componentDir, main)
	if err != nil {
		return err
	}

	for _, match := range matches {
		if _, err := os.Stat(match); err != nil {
			buildsys.Log(r.ctx).Warn().Str("package", name).Str("path", match).Msg("main file is missing")
			continue
		}

		ext := strings.TrimPrefix(filepath.Ext(match), ".")
		r.files[ext] = append(r.files[ext], match)
	}
	return nil
}

// BowerFiles returns the main files of all bower dependencies of the project grouped by extension
// (without the dot). Dependencies come before their dependants.
func BowerFiles(ctx context.Context, root string) (map[string][]string, error) {
	manifest, err := readBowerManifest(filepath.Join(root, "bower.json"))
	if err != nil || manifest == nil {
		return nil, err
	}

	dir, err := BowerDirectory(root)
	if err != nil {
		return nil, err
	}

	r := bowerResolver{
		ctx:       ctx,
		dir:       filepath.Join(root, dir),
		overrides: make(map[string]mainFiles),
		visited:   make(map[string]bool),
		files:     make(map[string][]string),
	}
	for name, override := range manifest.Overrides {
		if len(override.Main) > 0 {
			r.overrides[name] = override.Main
		}
	}

	for _, name := range manifest.dependencyNames() {
		if err = r.visit(name); err != nil {
			return nil, err
		}
	}

	return r.files, nil
}

// InjectBower replaces the contents of every bower:<ext> block in html with tags for files. Paths
// are written relative to htmlDir.
func InjectBower(html, htmlDir string, files map[string][]string) string {
	return bowerBlock.ReplaceAllStringFunc(html, func(block string) string {
		parts := bowerBlock.FindStringSubmatch(block)
		indent, start, kind, end := parts[1], parts[2], parts[3], parts[5]

		tag, ok := bowerTags[kind]
		if !ok {
			return block
		}

		buf := strings.Builder{}
		buf.WriteString(indent + start + "\n")
		for _, file := range files[kind] {
			rel, err := filepath.Rel(htmlDir, file)
			if err != nil {
				rel = file
			}
			buf.WriteString(indent + fmt.Sprintf(tag, filepath.ToSlash(rel)) + "\n")
		}
		buf.WriteString(indent + end)
		return buf.String()
	})
}

func (s *Session) injectBower(ctx context.Context) error {
	p := s.Project
	index := p.Path("index.html")

	content, err := ioutil.ReadFile(index)
	if err != nil {
		if os.IsNotExist(err) {
			buildsys.Log(ctx).Warn().Msg("index.html doesn't exist, skipping bower injection")
			return nil
		}
		return eris.Wrap(err, "failed to read index.html")
	}

	files, err := BowerFiles(ctx, p.Root)
	if err != nil {
		return err
	}

	if files == nil {
		buildsys.Log(ctx).Warn().Msg("bower.json doesn't exist, skipping bower injection")
		return nil
	}

	updated := InjectBower(string(content), p.Root, files)
	if updated == string(content) {
		return nil
	}

	return ioutil.WriteFile(index, []byte(updated), 0o660)
}
