// Package shell runs configured command templates through an embedded POSIX
// shell interpreter.
//
// Templates are ordinary shell snippets such as
//
//	ffmpeg -loglevel error -y -i "$IN" -f wav "$OUT"
//
// Variables passed to Run are bound in the snippet's environment, so file
// names never go through string interpolation. External programs must pass
// every BlockFunc before they start.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

const defaultKillTimeout = 2 * time.Second

// BlockFunc is a function that can block command execution.
type BlockFunc func(cmd string, args []string) error

// Runner executes command templates. It holds no state between runs and is
// safe for concurrent use.
//
// Used by: media.Transcriber (audio conversion), chart.Renderer (screenshots)
type Runner struct {
	dir         string
	blockFuncs  []BlockFunc
	killTimeout time.Duration
	logger      *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithDir sets the working directory. Defaults to the process directory.
func WithDir(dir string) Option {
	return func(r *Runner) { r.dir = dir }
}

// WithBlockFuncs adds command blocking functions.
func WithBlockFuncs(funcs ...BlockFunc) Option {
	return func(r *Runner) { r.blockFuncs = append(r.blockFuncs, funcs...) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New creates a runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		killTimeout: defaultKillTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes command with vars added to the process environment.
// Output is captured; err is non-nil on parse failure, a blocked command,
// a non-zero exit or ctx ending.
func (r *Runner) Run(ctx context.Context, command string, vars map[string]string) (stdout, stderr string, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	prog, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return "", "", fmt.Errorf("parse error: %w", err)
	}

	env := os.Environ()
	for k, v := range vars {
		env = append(env, k+"="+v)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, &stdoutBuf, &stderrBuf),
		interp.OpenHandler(openHandler),
		interp.ExecHandler(r.execHandler),
	}
	if r.dir != "" {
		opts = append(opts, interp.Dir(r.dir))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return "", "", fmt.Errorf("runner creation error: %w", err)
	}

	start := time.Now()
	err = runner.Run(ctx, prog)
	r.logger.Debug("command finished",
		zap.String("command", firstWord(command)),
		zap.Duration("took", time.Since(start)),
		zap.Int("exit", ExitCode(err)))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdoutBuf.String(), stderrBuf.String(), ctxErr
		}
		return stdoutBuf.String(), stderrBuf.String(), &CommandError{
			Command: firstWord(command),
			Stderr:  strings.TrimSpace(stderrBuf.String()),
			Err:     err,
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

// CommandError is a failed command run.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// execHandler is called for each external command.
func (r *Runner) execHandler(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}

	for _, blockFunc := range r.blockFuncs {
		if err := blockFunc(args[0], args[1:]); err != nil {
			return err
		}
	}

	return interp.DefaultExecHandler(r.killTimeout)(ctx, args)
}

// openHandler handles file operations.
func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		return devNull{}, nil
	}
	return interp.DefaultOpenHandler()(ctx, path, flag, perm)
}

// devNull implements a /dev/null device.
type devNull struct{}

func (devNull) Read(p []byte) (int, error)  { return 0, io.EOF }
func (devNull) Write(p []byte) (int, error) { return len(p), nil }
func (devNull) Close() error                { return nil }

// ExitCode extracts the exit code from an error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		return int(status)
	}
	return 1
}

// CommandsAllower only lets the named programs run.
func CommandsAllower(allowed []string) BlockFunc {
	ok := make(map[string]bool, len(allowed))
	for _, cmd := range allowed {
		ok[filepath.Base(cmd)] = true
	}

	return func(cmd string, args []string) error {
		cmdName := filepath.Base(cmd)
		if !ok[cmdName] {
			return fmt.Errorf("command '%s' is not allowed", cmdName)
		}
		return nil
	}
}

// Programs returns the external program names a template invokes, in order
// of appearance. Builtins and assignments are included as written.
func Programs(command string) ([]string, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, err
	}
	var out []string
	syntax.Walk(prog, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		if lit := call.Args[0].Lit(); lit != "" {
			out = append(out, filepath.Base(lit))
		}
		return true
	})
	return out, nil
}

func firstWord(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}
