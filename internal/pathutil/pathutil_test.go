package pathutil

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFind(t *testing.T) {
	dir, err := ioutil.TempDir("", "pathutil")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd) // nolint: errcheck

	_, err = Find("node.json")
	assert.Error(t, err)

	require.NoError(t, ioutil.WriteFile("node.json", []byte("{}"), 0600))
	p, err := Find("node.json")
	require.NoError(t, err)
	assert.Equal(t, "node.json", filepath.Base(p))
}

func TestAtomicWriteFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "pathutil")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	name := filepath.Join(dir, "config.json")
	require.NoError(t, AtomicWriteFile(name, []byte("one")))
	require.NoError(t, AtomicWriteFile(name, []byte("two")))

	b, err := ioutil.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))

	files, err := ioutil.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestExpand(t *testing.T) {
	p, err := Expand("~/x")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(p))
	assert.Equal(t, "x", filepath.Base(p))
}
