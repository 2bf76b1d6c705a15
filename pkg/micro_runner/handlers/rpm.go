// Package handlers implements command handlers for the micro-runner.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/rpmtools/pkg/dnf"
	"github.com/openfroyo/rpmtools/pkg/micro_runner/protocol"
	"github.com/openfroyo/rpmtools/pkg/policy"
	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
)

// ErrInvalidCommand marks commands rejected before anything ran.
var ErrInvalidCommand = errors.New("invalid command")

// PolicyChecker gates operations before they run.
type PolicyChecker interface {
	Check(ctx context.Context, input policy.Input) error
}

// RPMHandler handles rpm.* commands.
type RPMHandler struct {
	// DNF configures the dnf command line. Per-command options are appended.
	DNF dnf.Config

	// Runner runs dnf; nil runs it locally.
	Runner dnf.Runner

	// Opener replaces the dnf engine when set.
	Opener rpmtools.Opener

	// Policy is consulted before every command when set.
	Policy PolicyChecker

	// Host is reported to policies as the target host.
	Host string
}

// Handle runs one rpm.* command. Report snapshots are sent to pub while the
// transaction runs. The returned result is never nil and always carries the
// final report, including when err is set.
func (h *RPMHandler) Handle(ctx context.Context, ct protocol.CommandType, params *protocol.RPMParams, pub progress.Publisher) (*protocol.RPMResult, error) {
	op := ct.Operation()
	apply := params.ShouldApply()
	report := progress.New(pub)
	result := &protocol.RPMResult{Operation: op, Apply: apply}

	if op == "" {
		return h.finish(result, report, fmt.Errorf("%w: unsupported command type %s", ErrInvalidCommand, ct))
	}
	if err := params.Validate(); err != nil {
		return h.finish(result, report, fmt.Errorf("%w: %v", ErrInvalidCommand, err))
	}

	if h.Policy != nil {
		err := h.Policy.Check(ctx, policy.Input{
			Operation: op,
			Names:     params.Names,
			Apply:     apply,
			Host:      h.Host,
		})
		if err != nil {
			return h.finish(result, report, err)
		}
	}

	summary, err := rpmtools.Do(ctx, h.opener(params.Options), op, params.Names,
		rpmtools.WithApply(apply),
		rpmtools.WithImportKeys(params.ImportKeys),
		rpmtools.WithProgress(report),
	)
	result.Summary = summary
	return h.finish(result, report, err)
}

func (h *RPMHandler) finish(result *protocol.RPMResult, report *progress.Report, err error) (*protocol.RPMResult, error) {
	// a publisher failure here must not hide err
	_ = rpmtools.FinishReport(report, err)
	result.Report = report.Snapshot()
	return result, err
}

func (h *RPMHandler) opener(options []string) rpmtools.Opener {
	if h.Opener != nil {
		return h.Opener
	}
	cfg := h.DNF
	cfg.Options = append(append([]string{}, cfg.Options...), options...)
	return dnf.NewOpener(cfg, h.Runner)
}

// ErrorMessage translates a handler error into an ERROR message that
// preserves its classification.
func ErrorMessage(commandID string, err error, report *progress.Snapshot) *protocol.ErrorMessage {
	msg := &protocol.ErrorMessage{
		CommandID: commandID,
		Code:      protocol.CodeEngineFailed,
		Message:   err.Error(),
		Details:   map[string]string{},
		Report:    report,
	}

	if errors.Is(err, ErrInvalidCommand) {
		msg.Code = protocol.CodeInvalidCommand
		return msg
	}

	var denied *policy.DeniedError
	if errors.As(err, &denied) {
		msg.Code = protocol.CodePolicyDenied
		msg.Details["operation"] = denied.Operation
		msg.Details["policies"] = strings.Join(denied.Policies(), ",")
		if raw, err := json.Marshal(denied.Violations); err == nil {
			msg.Details["violations"] = string(raw)
		}
		return msg
	}

	if errors.Is(err, context.DeadlineExceeded) {
		msg.Code = protocol.CodeTimeout
		msg.Retryable = true
	}

	class := rpmtools.Classify(err)
	msg.Details["class"] = string(class)

	var re *rpmtools.ResolutionError
	if errors.As(err, &re) {
		msg.Details["operation"] = re.Op
		msg.Details["target"] = re.Target
		if re.Err != nil {
			msg.Details["cause"] = re.Err.Error()
		}
	}
	var ee *rpmtools.EngineError
	if errors.As(err, &ee) {
		msg.Details["operation"] = ee.Operation
		msg.Details["targets"] = strings.Join(ee.Targets, ",")
		msg.Details["message"] = ee.Message
		if ee.Err != nil {
			msg.Details["cause"] = ee.Err.Error()
		}
	}

	switch class {
	case rpmtools.ErrorClassResolution:
		msg.Code = protocol.CodeResolutionFailed
	case rpmtools.ErrorClassTransaction:
		msg.Code = protocol.CodeTransactionFailed
	case rpmtools.ErrorClassKeyImport:
		msg.Code = protocol.CodeKeyImport
	}
	return msg
}
