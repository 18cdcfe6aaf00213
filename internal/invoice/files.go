package invoice

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/zombor/invoice-ocr/internal/raster"
)

// CollectFiles expands folders recursively and returns every supported
// file once, sorted by name. Unsupported files named explicitly are an error.
func CollectFiles(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	add := func(path string) {
		if seen[path] {
			return
		}
		seen[path] = true
		out = append(out, path)
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}

		if !info.IsDir() {
			if !raster.Supported(abs) {
				return nil, fmt.Errorf("unsupported file type: %s", p)
			}
			add(abs)
			continue
		}

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && raster.Supported(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", p, err)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(filepath.Base(out[i])), strings.ToLower(filepath.Base(out[j]))
		if a == b {
			return out[i] < out[j]
		}
		return a < b
	})
	return out, nil
}

// NewFiles creates pending working-set entries for paths
func NewFiles(paths []string) []File {
	files := make([]File, len(paths))
	for i, p := range paths {
		files[i] = File{
			ID:     uuid.NewString(),
			Name:   filepath.Base(p),
			Path:   p,
			Status: StatusPending,
		}
	}
	return files
}
