package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// maxLineSize bounds one protocol line. A CMD carries only package names,
// but an EVENT or DONE carries a whole report snapshot.
const maxLineSize = 10 << 20

// errEmptyLine is returned for a blank line, which neither side sends.
var errEmptyLine = errors.New("empty protocol line")

// Encoder frames messages as JSON lines. rpmtool writes CMD and EXIT with
// it; the runner writes READY, then EVENT snapshots followed by one DONE or
// ERROR per command, and EXIT last. The runner's event publisher and its
// command loop share one Encoder, so writes are serialized.
type Encoder struct {
	mu  sync.Mutex
	out *bufio.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{out: bufio.NewWriter(w)}
}

// Encode wraps data in a message of type t and writes it as one line. The
// line is flushed at once: rpmtool renders EVENTs as they arrive.
func (e *Encoder) Encode(t MessageType, data interface{}) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	msg := Message{Type: t, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		msg.Data = raw
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", t, err)
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.out.Write(line); err != nil {
		return fmt.Errorf("failed to write %s message: %w", t, err)
	}
	if err := e.out.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s message: %w", t, err)
	}
	return nil
}

// EncodeReady announces the runner version and the rpm.* commands it serves.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeEvent sends a progress snapshot of the running command.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return e.Encode(MessageTypeEvent, event)
}

// EncodeDone answers a command with its summary and final report.
func (e *Encoder) EncodeDone(done *DoneMessage) error {
	return e.Encode(MessageTypeDone, done)
}

// EncodeError answers a command that failed or could not be run.
func (e *Encoder) EncodeError(msg *ErrorMessage) error {
	return e.Encode(MessageTypeError, msg)
}

// EncodeExit asks the runner to stop, or reports that it is stopping.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads the JSON lines written by an Encoder.
type Decoder struct {
	lines *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &Decoder{lines: lines}
}

// Decode returns the next message. It returns io.EOF once the peer closed
// its end; payloads are left raw for ParseParams or DecodeRPMCommand.
func (d *Decoder) Decode() (*Message, error) {
	if !d.lines.Scan() {
		if err := d.lines.Err(); err != nil {
			return nil, fmt.Errorf("failed to read protocol line: %w", err)
		}
		return nil, io.EOF
	}
	line := d.lines.Bytes()
	if len(line) == 0 {
		return nil, errEmptyLine
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}

// NewRPMCommand builds the CMD payload rpmtool sends for one package
// operation. timeout is rounded down to whole seconds.
func NewRPMCommand(id string, ct CommandType, params *RPMParams, timeout time.Duration) (*CommandMessage, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	cmd := &CommandMessage{ID: id, Type: ct, Timeout: int(timeout.Seconds()), Params: raw}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// DecodeRPMCommand unpacks the payload of a CMD message on the runner side.
// The returned command is never nil: when validation fails it still carries
// whatever ID was sent, so the ERROR answer can name the command.
func DecodeRPMCommand(data json.RawMessage) (*CommandMessage, *RPMParams, error) {
	cmd := &CommandMessage{}
	if err := json.Unmarshal(data, cmd); err != nil {
		return cmd, nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return cmd, nil, err
	}

	params := &RPMParams{}
	if err := ParseParams(cmd.Params, params); err != nil {
		return cmd, nil, err
	}
	return cmd, params, nil
}

// ParseParams unmarshals a raw payload into target.
func ParseParams(params json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
