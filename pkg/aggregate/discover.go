package aggregate

import (
	"fmt"
	"io/fs"
	"os"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// recordPattern matches <group>/<id>/<file> below the results root.
const recordPattern = "*/*/*.{yaml,yml}"

// discoverRecords returns the slash-separated paths, relative to root, of
// every candidate execution record file, sorted.
func discoverRecords(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("reading results directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("results path %s is not a directory", root)
	}

	fsys := os.DirFS(root)
	found, err := doublestar.Glob(fsys, recordPattern)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", root, err)
	}

	paths := make([]string, 0, len(found))
	for _, p := range found {
		fi, err := fs.Stat(fsys, p)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths, nil
}
