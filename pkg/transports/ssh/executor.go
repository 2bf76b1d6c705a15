package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Execute starts the runner in a new session. The protocol runs over the
// session's stdin and stdout; stderr goes to c.Stderr or the debug log.
// Closing the returned stdout waits for the session to end.
func (c *SSHClient) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	if c.Stderr != nil {
		session.Stderr = c.Stderr
	} else {
		session.Stderr = log.Logger.With().Str("host", c.config.Host).Str("stream", "stderr").Logger()
	}

	cmd := c.runnerCommand(remotePath)
	log.Debug().Str("command", cmd).Msg("starting runner")
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to start runner: %w", err)}
	}

	out := &sessionOutput{Reader: stdout, session: session, stop: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGTERM)
			time.Sleep(100 * time.Millisecond)
			_ = session.Signal(ssh.SIGKILL)
			session.Close()
		case <-out.stop:
		}
	}()
	return stdin, out, nil
}

func (c *SSHClient) runnerCommand(remotePath string) string {
	parts := make([]string, 0, len(c.Args)+3)
	if c.config.Sudo {
		parts = append(parts, "sudo", "-n")
	}
	parts = append(parts, shellQuote(remotePath))
	for _, arg := range c.Args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

type sessionOutput struct {
	io.Reader
	session *ssh.Session
	stop    chan struct{}
	once    sync.Once
	err     error
}

func (o *sessionOutput) Close() error {
	o.once.Do(func() {
		close(o.stop)
		_, _ = io.Copy(io.Discard, o.Reader)
		err := o.session.Wait()
		var exitErr *ssh.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			o.err = &TransportError{Op: "execute", Err: err}
		}
		o.session.Close()
	})
	return o.err
}

// run executes a short command and returns its trimmed output.
func (c *SSHClient) run(ctx context.Context, cmd string) (string, string, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return "", "", err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			return stdout, stderr, &TransportError{
				Op:  "execute",
				Err: fmt.Errorf("command exited with code %d", exitErr.ExitStatus()),
			}
		}
		return stdout, stderr, &TransportError{Op: "execute", Err: execErr, IsTemporary: true}
	}
	return stdout, stderr, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
