// Package protocol defines the JSON-over-stdio communication protocol
// between rpmtool and the micro-runner.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the controller
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the runner
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates an error occurred
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the runner is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

const (
	CommandTypeInstall        CommandType = "rpm.install"
	CommandTypeUpdate         CommandType = "rpm.update"
	CommandTypeUninstall      CommandType = "rpm.uninstall"
	CommandTypeGroupInstall   CommandType = "rpm.group_install"
	CommandTypeGroupUninstall CommandType = "rpm.group_uninstall"
)

// commandOperations maps command types to rpmtools operations.
var commandOperations = map[CommandType]string{
	CommandTypeInstall:        rpmtools.OpInstall,
	CommandTypeUpdate:         rpmtools.OpUpdate,
	CommandTypeUninstall:      rpmtools.OpUninstall,
	CommandTypeGroupInstall:   rpmtools.OpGroupInstall,
	CommandTypeGroupUninstall: rpmtools.OpGroupUninstall,
}

// Operation returns the rpmtools operation run by the command.
func (ct CommandType) Operation() string {
	return commandOperations[ct]
}

// CommandTypeFor returns the command type running operation.
func CommandTypeFor(operation string) (CommandType, error) {
	for ct, op := range commandOperations {
		if op == operation {
			return ct, nil
		}
	}
	return "", fmt.Errorf("no command for operation %q", operation)
}

// Error codes carried by ERROR messages.
const (
	CodeInvalidCommand    = "INVALID_COMMAND"
	CodePolicyDenied      = "POLICY_DENIED"
	CodeResolutionFailed  = "RESOLUTION_FAILED"
	CodeTransactionFailed = "TRANSACTION_FAILED"
	CodeKeyImport         = "KEY_IMPORT"
	CodeEngineFailed      = "ENGINE_FAILED"
	CodeTimeout           = "TIMEOUT"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	Caps     map[string]bool   `json:"capabilities"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CommandMessage contains a command to execute.
type CommandMessage struct {
	ID             string            `json:"id"`
	Type           CommandType       `json:"type"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Timeout        int               `json:"timeout"` // seconds
	Params         json.RawMessage   `json:"params"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EventMessage carries a progress snapshot taken while a command runs.
type EventMessage struct {
	CommandID string             `json:"command_id"`
	Level     string             `json:"level"` // info, warn, debug
	Message   string             `json:"message,omitempty"`
	Report    *progress.Snapshot `json:"report,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string            `json:"command_id"`
	Result    json.RawMessage   `json:"result"`
	Duration  float64           `json:"duration"` // seconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorMessage indicates an error occurred.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`

	// Report is the progress report at the time of failure.
	Report *progress.Snapshot `json:"report,omitempty"`
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	SelfDeleted   bool   `json:"self_deleted"`
	CommandsTotal int    `json:"commands_total"`
}

// RPMParams are the parameters of every rpm.* command.
type RPMParams struct {
	Names []string `json:"names"`

	// Apply defaults to true. False resolves and summarizes without
	// processing the transaction.
	Apply *bool `json:"apply,omitempty"`

	ImportKeys bool `json:"import_keys"`

	// Options are extra dnf command line options.
	Options []string `json:"options,omitempty"`
}

// ShouldApply resolves the Apply default.
func (p *RPMParams) ShouldApply() bool {
	return p.Apply == nil || *p.Apply
}

// Validate checks the parameters.
func (p *RPMParams) Validate() error {
	if len(p.Names) == 0 {
		return fmt.Errorf("at least one name is required")
	}
	return nil
}

// RPMResult is the DONE result of an rpm.* command.
type RPMResult struct {
	Operation string            `json:"operation"`
	Apply     bool              `json:"apply"`
	Summary   rpmtools.Summary  `json:"summary"`
	Report    progress.Snapshot `json:"report"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	if _, ok := commandOperations[ct]; !ok {
		return fmt.Errorf("invalid command type: %s", ct)
	}
	return nil
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}
