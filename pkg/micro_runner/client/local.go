package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// LocalTransport runs the micro-runner as a child process on this host.
type LocalTransport struct {
	// Args are passed to the runner.
	Args []string

	// Stderr receives the runner's log output; nil discards it.
	Stderr io.Writer
}

// Upload copies the runner binary to remotePath, unless they are the same file.
func (t *LocalTransport) Upload(_ context.Context, localPath, remotePath string) error {
	src, err := filepath.Abs(localPath)
	if err != nil {
		return err
	}
	dst, err := filepath.Abs(remotePath)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open runner binary: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy runner binary: %w", err)
	}
	return out.Close()
}

// Execute starts the runner. Closing the returned stdout waits for the
// process to exit.
func (t *LocalTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, remotePath, t.Args...)
	cmd.Stderr = t.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", remotePath, err)
	}
	return stdin, &processOutput{ReadCloser: stdout, cmd: cmd}, nil
}

// Cleanup removes the runner binary. A missing file is not an error.
func (t *LocalTransport) Cleanup(_ context.Context, remotePath string) error {
	if err := os.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type processOutput struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (p *processOutput) Close() error {
	// drain so the process is not blocked writing
	_, _ = io.Copy(io.Discard, p.ReadCloser)
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
