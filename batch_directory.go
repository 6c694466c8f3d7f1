package stategraph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirectoryOptions selects the files a directory batch runs over
type DirectoryOptions struct {
	Dir string

	// Extensions is an allow-list such as ".pdf" or "txt", matched without
	// regard to case. Empty allows every regular file.
	Extensions []string

	// StateFor builds the initial inputs for one file. Defaults to
	// DefaultFileState.
	StateFor func(path string) (map[string]any, error)
}

// ListFiles returns the regular files in dir whose extension is allowed,
// sorted by name. Subdirectories are not descended into.
func ListFiles(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// DefaultFileState returns a StateFor function that sets "file_path" and,
// derived from the file name, "name" when the schema declares them.
func DefaultFileState(schema *Schema) func(path string) (map[string]any, error) {
	return func(path string) (map[string]any, error) {
		inputs := map[string]any{}
		if schema.Has("file_path") {
			inputs["file_path"] = path
		}
		if schema.Has("name") {
			inputs["name"] = NameFromFile(path)
		}
		return inputs, nil
	}
}

// NameFromFile turns "jane_doe-cv.pdf" into "jane doe cv".
func NameFromFile(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.NewReplacer("_", " ", "-", " ").Replace(stem)
}

// RunDirectory runs the graph once per eligible file in opts.Dir. An empty
// directory yields an empty result; a missing directory is an error. A
// file whose inputs cannot be built is reported as a failed item.
func (s *Scheduler) RunDirectory(ctx context.Context, opts DirectoryOptions) (*BatchResult, error) {
	files, err := ListFiles(opts.Dir, opts.Extensions)
	if err != nil {
		return nil, err
	}
	stateFor := opts.StateFor
	if stateFor == nil {
		stateFor = DefaultFileState(s.graph.Schema())
	}
	s.logger.Info("found files", "dir", opts.Dir, "count", len(files))

	items := make([]BatchItem, len(files))
	for i, path := range files {
		items[i] = BatchItem{ID: filepath.Base(path)}
		inputs, err := stateFor(path)
		if err != nil {
			items[i].invalid = fmt.Errorf("failed to build inputs for %s: %w", path, err)
			continue
		}
		items[i].Inputs = inputs
	}
	return s.RunBatch(ctx, items)
}
