package fileutil

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// Manifest maps a source directory to the file patterns staged from it.
//
// Each pattern is a path.Match glob evaluated against the base names of
// regular files directly inside the source directory. A pattern also
// matches the compressed variant of a name, so "INCAR" selects
// "INCAR.gz". An empty pattern list selects every file.
type Manifest map[string][]string

// Selection is the outcome of matching one source directory.
type Selection struct {
	Files       []string // absolute paths, sorted
	Missing     []string // patterns that matched nothing
	SkippedDirs []string // directories that matched a pattern
}

// Select resolves patterns against dir.
func Select(dir string, patterns []string) (Selection, error) {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return Selection{}, fmt.Errorf("bad pattern %q: %w", p, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return Selection{Missing: append([]string(nil), patterns...)}, nil
	}
	if err != nil {
		return Selection{}, fmt.Errorf("read %s: %w", dir, err)
	}

	var sel Selection
	matched := make(map[string]os.DirEntry)
	for _, p := range patterns {
		hit := false
		for _, e := range entries {
			name := e.Name()
			ok, _ := path.Match(p, name)
			if base, ext := SplitCompression(name); !ok && ext != "" {
				ok, _ = path.Match(p, base)
			}
			if ok {
				hit = true
				matched[name] = e
			}
		}
		if !hit {
			sel.Missing = append(sel.Missing, p)
		}
	}

	for name, e := range matched {
		if e.IsDir() {
			sel.SkippedDirs = append(sel.SkippedDirs, filepath.Join(dir, name))
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		// a compressed twin yields to its plain file only when both were selected
		if base, ext := SplitCompression(name); ext != "" {
			if twin, ok := matched[base]; ok && twin.Type().IsRegular() {
				continue
			}
		}
		sel.Files = append(sel.Files, filepath.Join(dir, name))
	}
	sort.Strings(sel.Files)
	sort.Strings(sel.SkippedDirs)
	return sel, nil
}
