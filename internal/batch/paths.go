// internal/batch/paths.go
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// ExpandPaths resolves CLI arguments into document paths: plain files are
// kept, directories contribute their *.xml files, anything else is treated
// as a doublestar glob. Order follows the arguments, then lexical order.
func ExpandPaths(args []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, arg := range args {
		if info, err := os.Stat(arg); err == nil {
			if !info.IsDir() {
				add(arg)
				continue
			}
			matches, err := globFiles(filepath.Join(arg, "*.xml"))
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				add(m)
			}
			continue
		}

		matches, err := globFiles(arg)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %s", arg)
		}
		for _, m := range matches {
			add(m)
		}
	}
	return out, nil
}

// globFiles expands a doublestar pattern to regular files in lexical order.
func globFiles(pattern string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	files := matches[:0]
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue // Skip paths that vanished or are directories
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}
