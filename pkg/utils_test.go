package pkg

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetProjectRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(root, "package.json"), []byte(`{"name": "foo"}`), 0o644))

	nested := filepath.Join(root, "plugins", "foo", "html")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := GetProjectRoot(nested)
	require.NoError(t, err)

	expected, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	actual, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	assert.Equal(t, expected, actual)
}

func TestGetProjectRootMissing(t *testing.T) {
	_, err := GetProjectRoot(t.TempDir())
	assert.True(t, eris.Is(err, ErrNoProject))
}
