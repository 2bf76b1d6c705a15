// Package client provides a client library for communicating with the micro-runner.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/rpmtools/pkg/micro_runner/protocol"
	"github.com/openfroyo/rpmtools/pkg/policy"
	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client is closed")

// Transport defines the interface for uploading and executing the runner.
type Transport interface {
	// Upload uploads the runner binary to the remote host
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the runner process and returns stdin/stdout
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup removes the runner binary from the remote host
	Cleanup(ctx context.Context, remotePath string) error
}

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	RunnerPath     string // Path to local runner binary
	RemotePath     string // Path on remote host
	StartupTimeout time.Duration

	// CommandTimeout is sent with every command; the runner enforces it.
	CommandTimeout time.Duration
}

// Client manages communication with a micro-runner instance. Commands are
// sent one at a time.
type Client struct {
	cfg     Config
	encoder *protocol.Encoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser

	messages chan *protocol.Message
	readErr  chan error
	done     chan struct{}

	ready *protocol.ReadyMessage
	exit  *protocol.ExitMessage

	mu      sync.Mutex // serializes commands
	stateMu sync.Mutex
	closed  bool
}

// NewClient creates a new micro-runner client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = "/tmp/rpmtool-runner"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 10 * time.Minute
	}
	return &Client{cfg: cfg}, nil
}

// Start uploads the runner binary, starts the runner process and waits for
// its READY message. An empty RunnerPath skips the upload.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	if c.cfg.RunnerPath != "" {
		if err := c.cfg.Transport.Upload(ctx, c.cfg.RunnerPath, c.cfg.RemotePath); err != nil {
			return fmt.Errorf("failed to upload runner: %w", err)
		}
	}

	stdin, stdout, err := c.cfg.Transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.messages = make(chan *protocol.Message)
	c.readErr = make(chan error, 1)
	c.done = make(chan struct{})
	go c.read(protocol.NewDecoder(stdout))

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	msg, err := c.next(readyCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timeout waiting for READY message")
		}
		return fmt.Errorf("failed to receive READY: %w", err)
	}
	if msg.Type != protocol.MessageTypeReady {
		return fmt.Errorf("expected READY, got %s", msg.Type)
	}
	var ready protocol.ReadyMessage
	if err := protocol.ParseParams(msg.Data, &ready); err != nil {
		return err
	}
	c.ready = &ready
	return nil
}

func (c *Client) read(dec *protocol.Decoder) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			c.readErr <- err
			return
		}
		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) next(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-c.messages:
		return msg, nil
	case err := <-c.readErr:
		// keep the error for later callers
		c.readErr <- err
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Supports reports whether the runner announced the capability.
func (c *Client) Supports(capability string) bool {
	return c.ready != nil && c.ready.Caps[capability]
}

// Execute sends a command and waits for its DONE message. Events received
// meanwhile are sent to events when it is not nil. An ERROR answer is
// returned as a *RemoteError.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (*protocol.DoneMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed() {
		return nil, ErrClosed
	}
	if c.encoder == nil {
		return nil, fmt.Errorf("runner not started")
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}

	if err := c.encoder.Encode(protocol.MessageTypeCommand, cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		msg, err := c.next(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			if events == nil || event.CommandID != cmd.ID {
				continue
			}
			select {
			case events <- &event:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, newRemoteError(&errMsg)

		case protocol.MessageTypeExit:
			c.recordExit(msg)
			return nil, fmt.Errorf("runner exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// RPM runs one rpm.* command on the runner. The returned result is nil
// only when the command could not be sent or answered; for a failed
// command it carries the report at the time of failure.
func (c *Client) RPM(ctx context.Context, ct protocol.CommandType, params *protocol.RPMParams, events chan<- *protocol.EventMessage) (*protocol.RPMResult, error) {
	cmd, err := protocol.NewRPMCommand(uuid.New().String(), ct, params, c.cfg.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}

	done, err := c.Execute(ctx, cmd, events)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			result := &protocol.RPMResult{Operation: ct.Operation(), Apply: params.ShouldApply()}
			if remote.Report != nil {
				result.Report = *remote.Report
			}
			return result, err
		}
		return nil, err
	}

	var result protocol.RPMResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse result: %w", err)
	}
	return &result, nil
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	return c.ready
}

// Exit returns the runner's EXIT message once it was received.
func (c *Client) Exit() *protocol.ExitMessage {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.exit
}

func (c *Client) recordExit(msg *protocol.Message) {
	var exit protocol.ExitMessage
	if err := protocol.ParseParams(msg.Data, &exit); err != nil {
		return
	}
	c.stateMu.Lock()
	c.exit = &exit
	c.stateMu.Unlock()
}

func (c *Client) isClosed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closed
}

// Close asks the runner to exit, waits briefly for its EXIT message and
// removes the binary unless the runner deleted itself.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	c.stateMu.Unlock()

	var errs []error

	if c.encoder != nil {
		if err := c.encoder.EncodeExit(&protocol.ExitMessage{Reason: "requested"}); err == nil {
			waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			for {
				msg, err := c.next(waitCtx)
				if err != nil {
					break
				}
				if msg.Type == protocol.MessageTypeExit {
					c.recordExit(msg)
					break
				}
			}
			cancel()
		}
	}

	if c.done != nil {
		close(c.done)
	}
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}
	if c.stdout != nil {
		if err := c.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
	}

	if exit := c.Exit(); exit == nil || !exit.SelfDeleted {
		if err := c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath); err != nil {
			errs = append(errs, fmt.Errorf("failed to clean up runner: %w", err))
		}
	}

	return errors.Join(errs...)
}

// RemoteError is a command failure reported by the runner. It unwraps to a
// typed error rebuilt from the ERROR details, so rpmtools.Classify and
// policy.IsDenied see the same classification as on the runner.
type RemoteError struct {
	CommandID string
	Code      string
	Message   string
	Details   map[string]string
	Retryable bool
	Report    *progress.Snapshot

	Err error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func newRemoteError(msg *protocol.ErrorMessage) *RemoteError {
	return &RemoteError{
		CommandID: msg.CommandID,
		Code:      msg.Code,
		Message:   msg.Message,
		Details:   msg.Details,
		Retryable: msg.Retryable,
		Report:    msg.Report,
		Err:       decodeError(msg),
	}
}

func decodeError(msg *protocol.ErrorMessage) error {
	d := msg.Details
	var cause error
	if d["cause"] != "" {
		cause = errors.New(d["cause"])
	}

	switch msg.Code {
	case protocol.CodePolicyDenied:
		denied := &policy.DeniedError{Operation: d["operation"]}
		if err := json.Unmarshal([]byte(d["violations"]), &denied.Violations); err != nil {
			for _, name := range strings.Split(d["policies"], ",") {
				if name != "" {
					denied.Violations = append(denied.Violations, policy.Violation{Policy: name, Message: msg.Message})
				}
			}
		}
		return denied
	case protocol.CodeInvalidCommand:
		return errors.New(msg.Message)
	case protocol.CodeTimeout:
		return fmt.Errorf("%s: %w", msg.Message, context.DeadlineExceeded)
	}

	if d["target"] != "" {
		return &rpmtools.ResolutionError{Op: d["operation"], Target: d["target"], Err: cause}
	}

	class := rpmtools.ErrorClass(d["class"])
	switch msg.Code {
	case protocol.CodeResolutionFailed:
		class = rpmtools.ErrorClassResolution
	case protocol.CodeTransactionFailed:
		class = rpmtools.ErrorClassTransaction
	case protocol.CodeKeyImport:
		class = rpmtools.ErrorClassKeyImport
	}
	if class == "" {
		class = rpmtools.ErrorClassEngine
	}

	message := d["message"]
	if message == "" {
		message = msg.Message
	}
	ee := rpmtools.NewEngineError(class, message, cause)
	if d["operation"] != "" {
		var targets []string
		if d["targets"] != "" {
			targets = strings.Split(d["targets"], ",")
		}
		ee.WithOperation(d["operation"], targets...)
	}
	return ee
}
