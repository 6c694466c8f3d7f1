package steps

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/deepnoodle-ai/stategraph"
)

// ReadFileOptions configures ReadFile
type ReadFileOptions struct {
	// PathField holds the file path. Defaults to "file_path".
	PathField string

	// Field receives the file contents. Defaults to "text".
	Field string

	// MaxBytes truncates the contents when positive.
	MaxBytes int64
}

// ReadFile returns a step that reads the file named by a State field.
func ReadFile(opts ReadFileOptions) stategraph.StepFunc {
	if opts.PathField == "" {
		opts.PathField = "file_path"
	}
	if opts.Field == "" {
		opts.Field = "text"
	}
	return func(ctx context.Context, state stategraph.State) (stategraph.Update, error) {
		path, ok := state.String(opts.PathField)
		if !ok || path == "" {
			return nil, stategraph.Fatal(fmt.Errorf("field %q does not hold a file path", opts.PathField))
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		var r io.Reader = f
		if opts.MaxBytes > 0 {
			r = io.LimitReader(f, opts.MaxBytes)
		}
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		stategraph.LoggerFromContext(ctx).Debug("read file", "path", path, "bytes", len(content))
		return stategraph.Update{opts.Field: string(content)}, nil
	}
}

func newReadFile(params map[string]any) (stategraph.StepFunc, error) {
	pathField, err := stringParam(params, "path_field", "")
	if err != nil {
		return nil, err
	}
	field, err := stringParam(params, "field", "")
	if err != nil {
		return nil, err
	}
	maxBytes, err := floatParam(params, "max_bytes", 0)
	if err != nil {
		return nil, err
	}
	return ReadFile(ReadFileOptions{PathField: pathField, Field: field, MaxBytes: int64(maxBytes)}), nil
}
