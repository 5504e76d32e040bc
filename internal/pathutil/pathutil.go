// Package pathutil locates configuration and data files of the dgxfer binaries.
package pathutil

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

// Dirs returns the directories searched by Find, by preference.
func Dirs() []string {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if home, err := homedir.Dir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".dgxfer"))
	}
	return append(dirs, "/usr/local/dgxfer")
}

// Find returns the first existing path of name in:
// 1) the working directory
// 2) ${HOME}/.dgxfer
// 3) /usr/local/dgxfer
func Find(name string) (string, error) {
	dirs := Dirs()
	for _, dir := range dirs {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found in any of: %s", name, strings.Join(dirs, ", "))
}

// Expand resolves a leading ~ and makes path absolute.
func Expand(path string) (string, error) {
	p, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(p)
}

// AtomicWriteFile writes data to a temporary file next to filename and renames it into
// place.
func AtomicWriteFile(filename string, data []byte) error {
	dir, name := filepath.Split(filename)
	if dir == "" {
		dir = "."
	}
	f, err := ioutil.TempFile(dir, name)
	if err != nil {
		return err
	}

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if permErr := os.Chmod(f.Name(), 0600); err == nil {
		err = permErr
	}
	if err == nil {
		err = os.Rename(f.Name(), filename)
	}
	if err != nil {
		os.Remove(f.Name()) // nolint: errcheck
	}
	return err
}
