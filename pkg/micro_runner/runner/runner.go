// Package runner implements the micro-runner command loop: it announces
// itself with READY, runs rpm.* commands one at a time and streams their
// progress as EVENT messages before the closing DONE or ERROR.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/openfroyo/rpmtools/pkg/micro_runner/handlers"
	"github.com/openfroyo/rpmtools/pkg/micro_runner/protocol"
	"github.com/openfroyo/rpmtools/pkg/telemetry"
)

// Version is reported in the READY message.
const Version = "1.0.0"

// DefaultTTL bounds the lifetime of a runner.
const DefaultTTL = 10 * time.Minute

// Exit reasons.
const (
	ReasonCompleted   = "completed"
	ReasonRequested   = "requested"
	ReasonStdinClosed = "stdin_closed"
	ReasonTTLExpired  = "ttl_expired"
	ReasonError       = "error"
)

// Server runs commands read from one stream and answers on another.
type Server struct {
	Handler *handlers.RPMHandler

	// TTL bounds the whole session; zero means DefaultTTL.
	TTL time.Duration

	// SelfDelete, when set, is removed before EXIT is sent.
	SelfDelete string

	// Metadata is added to the READY message.
	Metadata map[string]string

	encoder  *protocol.Encoder
	decoder  *protocol.Decoder
	events   *telemetry.EventPublisher
	commands int
}

// New creates a Server reading commands from r and writing messages to w.
func New(r io.Reader, w io.Writer, handler *handlers.RPMHandler) (*Server, error) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 256,
	})
	if err != nil {
		return nil, err
	}
	events.SetSource("micro-runner")

	s := &Server{
		Handler: handler,
		encoder: protocol.NewEncoder(w),
		decoder: protocol.NewDecoder(r),
		events:  events,
	}
	events.Subscribe(s.forward, nil)
	return s, nil
}

// forward turns published events into EVENT messages.
func (s *Server) forward(event telemetry.Event) {
	if event.OperationID == "" {
		return
	}
	level := "info"
	if event.Level != telemetry.EventLevelInfo {
		level = "warn"
	}
	msg := &protocol.EventMessage{
		CommandID: event.OperationID,
		Level:     level,
		Message:   event.Message,
		Report:    event.Report,
		Metadata:  map[string]string{"type": event.Type},
	}
	// the controller may be gone; DONE/ERROR will fail the same way
	_ = s.encoder.EncodeEvent(msg)
}

// Serve sends READY and runs commands until the controller sends EXIT,
// closes the stream, or the TTL expires. It always ends with an EXIT
// message, which it also returns.
func (s *Server) Serve(ctx context.Context) (*protocol.ExitMessage, error) {
	log := telemetry.FromContext(ctx).NewComponentLogger("micro-runner")

	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := s.events.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("event publisher did not stop")
		}
	}()

	if err := s.sendReady(ttl); err != nil {
		return nil, fmt.Errorf("failed to send ready: %w", err)
	}

	messages := make(chan *protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := s.decoder.Decode()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	reason, code := ReasonCompleted, 0
loop:
	for {
		select {
		case <-ctx.Done():
			reason = ReasonTTLExpired
			break loop
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				reason = ReasonStdinClosed
			} else {
				log.WithError(err).Error("failed to read message")
				reason, code = ReasonError, 1
			}
			break loop
		case msg := <-messages:
			switch msg.Type {
			case protocol.MessageTypeExit:
				reason = ReasonRequested
				break loop
			case protocol.MessageTypeCommand:
				if err := s.runCommand(ctx, msg.Data); err != nil {
					log.WithError(err).Error("failed to answer command")
					reason, code = ReasonError, 1
					break loop
				}
			default:
				log.Warnf("ignoring unexpected %s message", msg.Type)
			}
		}
	}

	return s.exit(reason, code)
}

func (s *Server) sendReady(ttl time.Duration) error {
	caps := map[string]bool{}
	for _, ct := range []protocol.CommandType{
		protocol.CommandTypeInstall,
		protocol.CommandTypeUpdate,
		protocol.CommandTypeUninstall,
		protocol.CommandTypeGroupInstall,
		protocol.CommandTypeGroupUninstall,
	} {
		caps[string(ct)] = true
	}
	caps["policy"] = s.Handler.Policy != nil

	metadata := map[string]string{"ttl": ttl.String()}
	for k, v := range s.Metadata {
		metadata[k] = v
	}

	return s.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     caps,
		Metadata: metadata,
	})
}

// runCommand answers one CMD with DONE or ERROR. A returned error means the
// answer itself could not be written.
func (s *Server) runCommand(ctx context.Context, data json.RawMessage) error {
	cmd, params, err := protocol.DecodeRPMCommand(data)
	if err != nil {
		return s.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.CodeInvalidCommand,
			Message:   err.Error(),
		})
	}
	s.commands++

	log := telemetry.FromContext(ctx).WithOperationID(cmd.ID).WithOperation(cmd.Type.Operation(), params.Names)
	cmdCtx, cancel := context.WithTimeout(log.WithContext(ctx), time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	_ = s.events.PublishOperationStarted(cmd.ID, cmd.Type.Operation(), params.Names, params.ShouldApply())

	start := time.Now()
	result, err := s.Handler.Handle(cmdCtx, cmd.Type, params, s.events.ProgressPublisher(cmd.ID))
	duration := time.Since(start)

	if err != nil {
		_ = s.events.PublishOperationFailed(cmd.ID, cmd.Type.Operation(), err.Error())
	} else {
		_ = s.events.PublishOperationCompleted(cmd.ID, cmd.Type.Operation(), duration)
	}

	// every EVENT of this command goes out before its answer
	flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if ferr := s.events.Flush(flushCtx); ferr != nil {
		log.WithError(ferr).Warn("failed to flush events")
	}

	if err != nil {
		log.WithError(err).Warn("command failed")
		return s.encoder.EncodeError(handlers.ErrorMessage(cmd.ID, err, &result.Report))
	}

	raw, merr := json.Marshal(result)
	if merr != nil {
		return s.encoder.EncodeError(handlers.ErrorMessage(cmd.ID, merr, &result.Report))
	}
	log.Debugf("command finished in %s", duration)
	return s.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    raw,
		Duration:  duration.Seconds(),
	})
}

func (s *Server) exit(reason string, code int) (*protocol.ExitMessage, error) {
	msg := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      code,
		CommandsTotal: s.commands,
	}
	if s.SelfDelete != "" {
		msg.SelfDeleted = os.Remove(s.SelfDelete) == nil
	}
	if err := s.encoder.EncodeExit(msg); err != nil {
		return msg, fmt.Errorf("failed to send exit: %w", err)
	}
	return msg, nil
}
