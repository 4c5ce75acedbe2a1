package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// FileOp runs the file-op source confined to Root. Details: operation
// (read, write, append, list), path, content.
type FileOp struct {
	Root string
}

func (f FileOp) Run(ctx context.Context, req Request) (Output, error) {
	if f.Root == "" {
		return Output{}, fmt.Errorf("file-op: %w", ErrNotConfigured)
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	root, err := os.OpenRoot(f.Root)
	if err != nil {
		return Output{}, fmt.Errorf("file-op: open root: %w", err)
	}
	defer root.Close()

	t := req.Task
	op := strings.ToLower(t.Detail("operation"))
	name := path.Clean(strings.TrimPrefix(t.Detail("path"), "/"))
	if name == "" {
		name = "."
	}

	switch op {
	case "read", "":
		data, err := root.ReadFile(name)
		if err != nil {
			return Output{}, fmt.Errorf("file-op: read %s: %w", name, err)
		}
		return Output{Text: string(data)}, nil

	case "write", "append":
		content := t.Detail("content")
		if dir := path.Dir(name); dir != "." {
			if err := root.MkdirAll(dir, 0o755); err != nil {
				return Output{}, fmt.Errorf("file-op: mkdir %s: %w", dir, err)
			}
		}
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if op == "append" {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
		file, err := root.OpenFile(name, flags, 0o644)
		if err != nil {
			return Output{}, fmt.Errorf("file-op: open %s: %w", name, err)
		}
		n, werr := file.WriteString(content)
		if cerr := file.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return Output{}, fmt.Errorf("file-op: write %s: %w", name, werr)
		}
		return Output{Text: fmt.Sprintf("Wrote %d bytes to %s", n, name)}, nil

	case "list":
		entries, err := fs.ReadDir(root.FS(), name)
		if err != nil {
			return Output{}, fmt.Errorf("file-op: list %s: %w", name, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			n := e.Name()
			if e.IsDir() {
				n += "/"
			}
			names = append(names, n)
		}
		return Output{Text: strings.Join(names, "\n"), Data: names}, nil

	default:
		return Output{}, errors.New("file-op: unknown operation " + op)
	}
}
