package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/moby/sys/atomicwriter"
)

// WriteFileAtomic writes data to path through a temporary file in the same
// directory followed by a rename, creating parent directories as needed.
// Readers never observe a partially written file.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// MatchFiles returns the names in dir matching pattern, sorted ascending.
// A missing directory yields no names.
func MatchFiles(dir string, pattern *regexp.Regexp) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && pattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// PruneFiles deletes the oldest files in dir matching pattern so that at most
// keep remain. Names must sort chronologically. It returns the deleted paths.
func PruneFiles(dir string, pattern *regexp.Regexp, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	names, err := MatchFiles(dir, pattern)
	if err != nil {
		return nil, err
	}
	if len(names) <= keep {
		return nil, nil
	}
	var deleted []string
	for _, name := range names[:len(names)-keep] {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("remove %s: %w", path, err)
		}
		deleted = append(deleted, path)
	}
	return deleted, nil
}
