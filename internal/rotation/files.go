package rotation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dmitrijs2005/dailycrypt/internal/common"
)

// DefaultPattern matches encrypted data files at any depth of a collection
// directory.
const DefaultPattern = "**/*.json.enc"

// Files is the set of data files subject to rotation.
type Files struct {
	// Primary files are rotated first, in the given order. Missing ones are
	// skipped.
	Primary []string
	// Collections are directories whose matching files are rotated after
	// the primary files, directory by directory, in lexical order.
	Collections []string
	// Pattern selects files inside a collection directory (doublestar
	// syntax, relative to the directory). Empty means DefaultPattern.
	Pattern string
	// Exclude lists directories never entered, such as the backup root.
	Exclude []string
}

// resolve lists every existing file in rotation order. A collection
// directory that cannot be walked is an error.
func (f Files) resolve() ([]string, error) {
	pattern := f.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}

	seen := make(map[string]bool)
	var out []string
	add := func(path string) {
		path = filepath.Clean(path)
		if seen[path] || f.excluded(path) || strings.HasSuffix(path, common.TempSuffix) {
			return
		}
		seen[path] = true
		out = append(out, path)
	}

	for _, p := range f.Primary {
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.Mode().IsRegular() {
			add(p)
		}
	}

	for _, dir := range f.Collections {
		info, err := os.Stat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat collection %s: %w", dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("collection %s is not a directory", dir)
		}

		matches, err := doublestar.Glob(os.DirFS(dir), pattern,
			doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
		if err != nil {
			return nil, fmt.Errorf("scan collection %s: %w", dir, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			add(filepath.Join(dir, filepath.FromSlash(m)))
		}
	}
	return out, nil
}

func (f Files) excluded(path string) bool {
	for _, ex := range f.Exclude {
		rel, err := filepath.Rel(ex, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
