package pipeline

import (
	"path/filepath"

	"github.com/jimmidyson/hawtio-jmx/pkg/config"
)

// Source globs, relative to the project root
const (
	TypeScriptSources = "plugins/**/*.ts"
	LessSources       = "plugins/**/*.less"
	TemplateSources   = "plugins/**/*.html"
	LibDefinitions    = "libs/**/*.d.ts"
	LibIncludes       = "libs/**/includes.d.ts"
	Images            = "img/**/*.{png,svg,gif,jpg}"
)

// Intermediate and final outputs
const (
	DistDir       = "dist"
	CompiledJS    = "compiled.js"
	TemplatesJS   = "templates.js"
	DefsFile      = "defs.d.ts"
	DefsDir       = "d.ts"
	IconsCSS      = "dynatree-icons.css"
	TemplatesRoot = "plugins/"
)

// Project bundles everything the tasks need to know about the project being built
type Project struct {
	Root     string
	Manifest *config.Manifest
	Config   *config.Config
}

// LoadProject reads package.json and the tool configuration from root
func LoadProject(root string) (*Project, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	manifest, err := config.ReadManifest(root)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	return &Project{
		Root:     root,
		Manifest: manifest,
		Config:   cfg,
	}, nil
}

// Path returns an absolute path inside the project
func (p *Project) Path(parts ...string) string {
	return filepath.Join(append([]string{p.Root}, parts...)...)
}

// DistJS is the project relative path of the script bundle
func (p *Project) DistJS() string {
	return DistDir + "/" + p.Manifest.JSFile()
}

// DistCSS is the project relative path of the stylesheet bundle
func (p *Project) DistCSS() string {
	return DistDir + "/" + p.Manifest.CSSFile()
}
