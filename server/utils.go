// Generic data manipulation utilities.

package main

import (
	"path/filepath"
	"strconv"
)

// Convert relative filepath to absolute.
func toAbsolutePath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Clean(filepath.Join(base, path))
}

func itoa(val int) string {
	return strconv.Itoa(val)
}
