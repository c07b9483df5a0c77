// Package script launches the external statistical scripts of script
// stages.
package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/config"
)

const (
	maxOutputLog = 2048        // bytes of combined output kept in errors
	waitDelay    = time.Second // grace for children holding the output pipe
)

// Runner runs `<command> <dir>/<script> <args...>` and reports success as
// exit status 0.
type Runner struct {
	command string
	dir     string
	timeout time.Duration
}

// NewRunner builds a runner from the scripts section of the config.
func NewRunner(cfg config.ScriptsConfig) *Runner {
	return &Runner{command: cfg.Command, dir: cfg.Dir, timeout: cfg.Timeout}
}

// ExitError carries the exit status and the tail of the output of a failed
// script.
type ExitError struct {
	Script string
	Code   int
	Output string
	Err    error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("script %s exited with %d: %v: %s", e.Script, e.Code, e.Err, e.Output)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Run executes script with args in the scripts directory.
func (r *Runner) Run(ctx context.Context, script string, args ...string) error {
	if script == "" || strings.Contains(script, "..") {
		return fmt.Errorf("invalid script name %q", script)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	path := script
	if r.dir != "" {
		dir, err := filepath.Abs(r.dir)
		if err != nil {
			return err
		}
		path = filepath.Join(dir, script)
	}
	argv := append([]string{path}, args...)
	name := r.command
	if name == "" {
		name, argv = argv[0], argv[1:]
	}

	cmd := exec.CommandContext(ctx, name, argv...)
	cmd.Dir = r.dir
	cmd.WaitDelay = waitDelay
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return &ExitError{Script: script, Code: code, Output: tail(out.String()), Err: err}
	}
	log.Printf("[Script] %s %v finished in %s", script, args, time.Since(start).Round(time.Millisecond))
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputLog {
		return "…" + s[len(s)-maxOutputLog:]
	}
	return s
}
