package pkg

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"

	"github.com/jimmidyson/hawtio-jmx/pkg/config"
)

// ErrNoProject is returned if no parent directory contains a package.json
var ErrNoProject = eris.New("project root not found")

// GetProjectRoot returns the closest directory containing a package.json, starting at dir
func GetProjectRoot(dir string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		_, err := os.Stat(filepath.Join(path, config.ManifestName))
		if err == nil {
			return path, nil
		}

		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrap(err, "error ocurred while searching for project root")
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", eris.Wrapf(ErrNoProject, "no %s in %s or its parents", config.ManifestName, dir)
		}
		path = parent
	}
}

func PrintTask(msg string) {
	colorstring.Printf("[blue][bold]==>[default] %s\n", msg)
}

func PrintSubtask(msg string) {
	colorstring.Printf("[green][bold]  ->[reset] %s\n", msg)
}

func PrintError(msg string) {
	colorstring.Printf("[red][bold]  ->[reset] %s\n", msg)
}
