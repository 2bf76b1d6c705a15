// Package dnf implements the rpmtools engine on top of the dnf command line.
//
// Each resolution call previews the pending transaction with --assumeno and
// parses dnf's transaction table into members. ProcessTransaction runs the
// transaction for real and translates dnf's progress output into callback
// events.
package dnf

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command is a single dnf invocation.
type Command struct {
	Name  string
	Args  []string
	Env   []string
	Stdin string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// LineFunc receives each line of combined output. Returning an error stops
// the command.
type LineFunc func(line string) error

// Runner runs commands and streams their output.
type Runner interface {
	// Run executes cmd and returns its exit code. A non-zero exit is not an
	// error; err is reserved for failures to run the command and for errors
	// returned by onLine.
	Run(ctx context.Context, cmd Command, onLine LineFunc) (exitCode int, err error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

// Run starts cmd with stdout and stderr merged into one line stream.
func (ExecRunner) Run(ctx context.Context, c Command, onLine LineFunc) (int, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	var lineErr error
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if lineErr != nil {
			continue
		}
		if err := onLine(scanner.Text()); err != nil {
			lineErr = err
			cancel()
		}
	}
	// keep draining so Wait can finish
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, pr)
	}

	err := <-waitErr
	if lineErr != nil {
		return -1, lineErr
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("%s failed: %w", c.Name, err)
	}
	return 0, nil
}
