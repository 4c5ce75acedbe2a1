package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CodeExec runs the code-exec source through an allowlisted interpreter.
// The snippet is fed on stdin; the task context bounds its runtime.
type CodeExec struct {
	// Interpreters maps a language name to a command line, e.g.
	// "python": "python3".
	Interpreters map[string]string
	WorkDir      string
}

func (c CodeExec) Run(ctx context.Context, req Request) (Output, error) {
	if len(c.Interpreters) == 0 {
		return Output{}, fmt.Errorf("code-exec: %w", ErrNotConfigured)
	}
	lang := strings.ToLower(req.Task.Detail("language"))
	code := req.Task.Detail("code")
	if code == "" {
		return Output{}, errors.New("code-exec: no code in source details")
	}
	cmdline, ok := c.Interpreters[lang]
	if !ok {
		return Output{}, fmt.Errorf("code-exec: language %q not allowed", lang)
	}
	argv := strings.Fields(cmdline)
	if len(argv) == 0 {
		return Output{}, fmt.Errorf("code-exec: empty interpreter for %q", lang)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(code)
	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	text := truncate(out.String(), maxOutput)
	if ctx.Err() != nil {
		return Output{}, fmt.Errorf("code-exec: %w", ctx.Err())
	}
	if err != nil {
		return Output{}, fmt.Errorf("code-exec: %w: %s", err, truncate(text, 1000))
	}
	return Output{Text: text, Data: map[string]any{"language": lang, "exit_code": 0}}, nil
}
