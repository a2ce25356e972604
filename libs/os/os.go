package os

import (
	"fmt"
	"os"

	"github.com/creachadair/atomicfile"
)

// EnsureDir creates dir (and its parents) with mode if it does not exist.
func EnsureDir(dir string, mode os.FileMode) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err := os.MkdirAll(dir, mode)
		if err != nil {
			return fmt.Errorf("could not create directory %v: %w", dir, err)
		}
	}
	return nil
}

// FileExists reports whether filePath exists.
func FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}

// WriteFileAtomic writes contents to filePath through a temporary file that
// is renamed into place, so readers never observe a partial file.
func WriteFileAtomic(filePath string, contents []byte, mode os.FileMode) error {
	if err := atomicfile.WriteData(filePath, contents, mode); err != nil {
		return fmt.Errorf("failed to write file %s: %w", filePath, err)
	}
	return nil
}
