// Package matching finds files by glob pattern and records their content
// digests, for skip detection and for auditing step inputs and outputs.
package matching

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

const DefaultAlgorithm = "sha256"

var algorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha512": sha512.New,
	"blake3": func() hash.Hash { return blake3.New() },
}

// Matches maps a directory to the files matched within it, keyed by path
// relative to the directory, with digest values.
type Matches map[string]map[string]string

// Entry is one matched file.
type Entry struct {
	Dir    string
	Path   string
	Digest string
}

// Match searches each directory with each pattern using the default digest
// algorithm.
func Match(dirs, patterns []string) (Matches, error) {
	return MatchWith(dirs, patterns, DefaultAlgorithm)
}

// MatchWith searches each directory with each pattern and digests every
// regular file found. Directories without any match are left out.
func MatchWith(dirs, patterns []string, algorithm string) (Matches, error) {
	if _, ok := algorithms[algorithm]; !ok {
		return nil, fmt.Errorf("unknown digest algorithm %q", algorithm)
	}

	matches := make(Matches)
	for _, dir := range dirs {
		dirMatches, err := matchDir(dir, patterns, algorithm)
		if err != nil {
			return nil, fmt.Errorf("matching in %s: %w", dir, err)
		}
		if len(dirMatches) > 0 {
			matches[dir] = dirMatches
		}
	}
	return matches, nil
}

func matchDir(dir string, patterns []string, algorithm string) (map[string]string, error) {
	fsys := os.DirFS(dir)
	files, err := regularFiles(fsys, patterns)
	if err != nil {
		return nil, err
	}

	digests := make(map[string]string, len(files))
	for _, f := range files {
		digest, err := HashFile(filepath.Join(dir, filepath.FromSlash(f)), algorithm)
		if err != nil {
			return nil, err
		}
		digests[f] = digest
	}
	return digests, nil
}

func regularFiles(fsys fs.FS, patterns []string) ([]string, error) {
	var result []string
	for _, pattern := range patterns {
		found, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, f := range found {
			info, err := fs.Stat(fsys, f)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", f, err)
			}
			if !info.Mode().IsRegular() {
				continue
			}
			result = append(result, f)
		}
	}
	slices.Sort(result)
	return slices.Compact(result), nil
}

// HashFile streams the file through the named algorithm and returns
// "<algorithm>:<hex digest>".
func HashFile(path, algorithm string) (string, error) {
	newHash, ok := algorithms[algorithm]
	if !ok {
		return "", fmt.Errorf("unknown digest algorithm %q", algorithm)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return algorithm + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// Count returns the number of files across all directories.
func Count(m map[string]map[string]string) int {
	n := 0
	for _, files := range m {
		n += len(files)
	}
	return n
}

// Flatten lists every match ordered by directory, then path.
func Flatten(m map[string]map[string]string) []Entry {
	var entries []Entry
	for _, dir := range slices.Sorted(maps.Keys(m)) {
		files := m[dir]
		for _, p := range slices.Sorted(maps.Keys(files)) {
			entries = append(entries, Entry{Dir: dir, Path: p, Digest: files[p]})
		}
	}
	return entries
}
