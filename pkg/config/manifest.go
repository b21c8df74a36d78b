package config

import (
	"encoding/json"
	"io/ioutil"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// ManifestName is the file every project root contains
const ManifestName = "package.json"

// Manifest holds the fields of package.json the build cares about
type Manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ReadManifest parses package.json inside projectRoot
func ReadManifest(projectRoot string) (*Manifest, error) {
	path := filepath.Join(projectRoot, ManifestName)
	content, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}

	var manifest Manifest
	if err = json.Unmarshal(content, &manifest); err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", path)
	}

	if manifest.Name == "" {
		return nil, eris.Errorf("%s does not declare a name", path)
	}

	return &manifest, nil
}

// JSFile is the name of the script bundle inside dist/
func (m *Manifest) JSFile() string {
	return m.Name + ".js"
}

// CSSFile is the name of the stylesheet bundle inside dist/
func (m *Manifest) CSSFile() string {
	return m.Name + ".css"
}

// TemplateModule is the Angular module the template cache registers
func (m *Manifest) TemplateModule() string {
	return m.Name + "-templates"
}
