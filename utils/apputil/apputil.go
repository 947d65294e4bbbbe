// Package apputil provides small file and directory helpers.
package apputil

import (
	"os"
	"path/filepath"

	"voxrelay.dev/utils/chk"
)

// EnsureDir creates the parent directories of fileName if they do not exist.
func EnsureDir(fileName string) (err error) {
	dirName := filepath.Dir(fileName)
	if _, e := os.Stat(dirName); e != nil {
		if err = os.MkdirAll(dirName, os.ModePerm); chk.E(err) {
			return
		}
	}
	return
}

// FileExists reports whether the named file or directory exists.
func FileExists(filePath string) bool {
	_, e := os.Stat(filePath)
	return e == nil
}
