package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/rpmtools/pkg/config"
	"github.com/openfroyo/rpmtools/pkg/micro_runner/client"
	"github.com/openfroyo/rpmtools/pkg/micro_runner/protocol"
	"github.com/openfroyo/rpmtools/pkg/policy"
	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
	"github.com/openfroyo/rpmtools/pkg/stores"
	"github.com/openfroyo/rpmtools/pkg/telemetry"
	"github.com/openfroyo/rpmtools/pkg/transports/ssh"
)

// request is one package operation as asked for on the command line.
type request struct {
	op         string
	names      []string
	apply      bool
	importKeys bool
}

// outcome is what a finished operation reports to the user.
type outcome struct {
	OperationID string            `json:"operation_id"`
	Operation   string            `json:"operation"`
	Host        string            `json:"host,omitempty"`
	Apply       bool              `json:"apply"`
	Summary     rpmtools.Summary  `json:"summary"`
	Report      progress.Snapshot `json:"report"`
	Error       string            `json:"error,omitempty"`
	ErrorClass  string            `json:"error_class,omitempty"`
}

// executor runs a request and returns its summary and final report.
// Snapshots are sent to pub while it runs.
type executor interface {
	Run(ctx context.Context, req request, pub progress.Publisher) (rpmtools.Summary, progress.Snapshot, error)
}

// localExecutor runs operations on this host.
type localExecutor struct {
	opener rpmtools.Opener
}

func (l *localExecutor) Run(ctx context.Context, req request, pub progress.Publisher) (rpmtools.Summary, progress.Snapshot, error) {
	report := progress.New(pub)
	summary, err := rpmtools.Do(ctx, l.opener, req.op, req.names,
		rpmtools.WithApply(req.apply),
		rpmtools.WithImportKeys(req.importKeys),
		rpmtools.WithProgress(report),
	)
	if ferr := rpmtools.FinishReport(report, err); ferr != nil {
		telemetry.FromContext(ctx).WithError(ferr).Warn("progress publisher failed")
	}
	return summary, report.Snapshot(), err
}

// remoteExecutor uploads the micro-runner to target over ssh and runs the
// operation there.
type remoteExecutor struct {
	cfg    *config.Config
	target string
}

func (r *remoteExecutor) sshConfig() (*ssh.Config, error) {
	remote := r.cfg.Remote

	fallbackUser := remote.User
	if fallbackUser == "" {
		if u, err := user.Current(); err == nil {
			fallbackUser = u.Username
		}
	}
	sc, err := ssh.ParseTarget(r.target, fallbackUser)
	if err != nil {
		return nil, err
	}
	if !hasPort(r.target) {
		sc.Port = remote.Port
	}
	sc.AuthMethod = ssh.AuthMethod(remote.AuthMethod)
	sc.PrivateKeyPath = remote.KeyPath
	if remote.KnownHostsPath != "" {
		sc.KnownHostsPath = remote.KnownHostsPath
	}
	sc.StrictHostKeyChecking = !remote.InsecureIgnoreHostKey
	if remote.Sudo != nil {
		sc.Sudo = *remote.Sudo
	}
	if d := remote.ConnectTimeout.Std(); d > 0 {
		sc.ConnectionTimeout = d
	}
	sc.KeepAliveInterval = 30 * time.Second
	return sc, nil
}

// runnerArgs are the micro-runner flags mirroring the local config.
func (r *remoteExecutor) runnerArgs() []string {
	args := []string{"--log-level", r.cfg.Telemetry.LogLevel}
	if ttl := r.cfg.Remote.TTL.Std(); ttl > 0 {
		args = append(args, "--ttl", ttl.String())
	}
	if d := r.cfg.DNF; d.Binary != "" && d.Binary != "dnf" {
		args = append(args, "--dnf", d.Binary)
	}
	if root := r.cfg.DNF.InstallRoot; root != "" {
		args = append(args, "--installroot", root)
	}
	for _, repo := range r.cfg.DNF.Repos {
		args = append(args, "--repo", repo)
	}
	if r.cfg.Policy.Disabled {
		args = append(args, "--no-policy")
	}
	for _, name := range r.cfg.Policy.Protected {
		args = append(args, "--protected", name)
	}
	for _, name := range r.cfg.Policy.Enable {
		args = append(args, "--enable-policy", name)
	}
	for _, name := range r.cfg.Policy.Disable {
		args = append(args, "--disable-policy", name)
	}
	return args
}

func (r *remoteExecutor) Run(ctx context.Context, req request, pub progress.Publisher) (summary rpmtools.Summary, snapshot progress.Snapshot, err error) {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		var span trace.Span
		ctx, span = tel.Tracer.StartSpan(ctx, "rpm.remote", telemetry.AttrTargetHost.String(r.target))
		defer func() {
			telemetry.RecordError(span, err)
			span.End()
		}()
	}
	logger := telemetry.FromContext(ctx).WithHost(r.target)

	ct, err := protocol.CommandTypeFor(req.op)
	if err != nil {
		return summary, snapshot, err
	}

	sc, err := r.sshConfig()
	if err != nil {
		return summary, snapshot, fmt.Errorf("invalid host %q: %w", r.target, err)
	}
	conn, err := ssh.NewSSHClient(sc)
	if err != nil {
		return summary, snapshot, err
	}
	conn.Args = r.runnerArgs()
	if err := connect(ctx, conn, time.Second); err != nil {
		return summary, snapshot, err
	}
	info := conn.GetConnectionInfo()
	logger = logger.WithFields(map[string]interface{}{
		"ssh_user": info.User,
		"ssh_port": info.Port,
	})
	defer func() {
		if derr := conn.Disconnect(); derr != nil {
			logger.WithError(derr).Warn("failed to disconnect")
		}
	}()

	runnerPath := r.cfg.Remote.RunnerPath
	if runnerPath == "" {
		runnerPath, err = defaultRunnerPath()
		if err != nil {
			return summary, snapshot, err
		}
	}

	rc, err := client.NewClient(client.Config{
		Transport:      conn,
		RunnerPath:     runnerPath,
		RemotePath:     r.cfg.Remote.RemotePath,
		CommandTimeout: r.cfg.Remote.CommandTimeout.Std(),
	})
	if err != nil {
		return summary, snapshot, err
	}
	if err := rc.Start(ctx); err != nil {
		return summary, snapshot, fmt.Errorf("failed to start runner on %s: %w", r.target, err)
	}
	defer func() {
		if cerr := rc.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.WithError(cerr).Warn("failed to close runner")
		}
	}()
	logger.Debugf("runner %s started", rc.Ready().Version)
	if !rc.Supports(string(ct)) {
		return summary, snapshot, fmt.Errorf("runner on %s does not support %s", r.target, ct)
	}

	events := make(chan *protocol.EventMessage, 16)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for event := range events {
			if event.Report == nil || pub == nil {
				continue
			}
			if err := pub.Notify(*event.Report); err != nil {
				logger.WithError(err).Warn("progress publisher failed")
			}
		}
	}()

	apply := req.apply
	result, err := rc.RPM(ctx, ct, &protocol.RPMParams{
		Names:      req.names,
		Apply:      &apply,
		ImportKeys: req.importKeys,
		Options:    r.cfg.DNF.Options,
	}, events)
	close(events)
	<-forwarded

	if result != nil {
		summary, snapshot = result.Summary, result.Report
	}
	return summary, snapshot, err
}

// connectAttempts bounds the dials of one remote operation.
const connectAttempts = 3

type connector interface {
	Connect(ctx context.Context) error
	IsConnected() bool
}

// connect dials c, retrying temporary transport errors after a linearly
// growing pause.
func connect(ctx context.Context, c connector, backoff time.Duration) error {
	if c.IsConnected() {
		return nil
	}
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = c.Connect(ctx); err == nil {
			return nil
		}
		var te *ssh.TransportError
		if !errors.As(err, &te) || !te.Temporary() || ctx.Err() != nil || attempt == connectAttempts {
			break
		}
		telemetry.FromContext(ctx).WithError(err).Debugf("connect attempt %d failed, retrying", attempt)
		select {
		case <-time.After(time.Duration(attempt) * backoff):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// defaultRunnerPath looks for micro-runner next to this executable.
func defaultRunnerPath() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("no runner_path configured: %w", err)
	}
	path := siblingPath(self, "micro-runner")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no runner_path configured and %s not found", path)
	}
	return path, nil
}

// runOperation checks the policy gate, executes req, records the outcome in
// the store and instruments it. The returned outcome is never nil.
func (e *env) runOperation(ctx context.Context, req request, pub progress.Publisher) (*outcome, error) {
	op := telemetry.StartOperation(ctx, req.op, req.names, req.apply)
	ctx = op.Ctx

	out := &outcome{
		OperationID: op.ID,
		Operation:   req.op,
		Host:        e.host,
		Apply:       req.apply,
	}

	if e.store != nil {
		record := &stores.Operation{
			ID:        op.ID,
			Operation: req.op,
			Targets:   req.names,
			Host:      e.host,
			Apply:     req.apply,
		}
		if err := e.store.CreateOperation(ctx, record); err != nil {
			op.Logger.WithError(err).Warn("failed to record operation")
		}
	}

	summary, snapshot, err := e.execute(ctx, op, req, progress.Multi(op.Progress(), pub))
	out.Summary, out.Report = summary, snapshot

	class := ""
	if err != nil {
		class = stores.ErrorClass(err)
		out.Error, out.ErrorClass = err.Error(), class
	}
	op.RecordSummary(len(summary.Resolved), len(summary.Deps), len(summary.Failed))
	op.RecordSteps(snapshot)
	op.End(err, class)

	if e.store != nil {
		cerr := e.store.CompleteOperation(context.WithoutCancel(ctx), op.ID, stores.Completion{
			Summary: summary,
			Report:  snapshot,
			Err:     err,
			At:      time.Now(),
		})
		if cerr != nil && !errors.Is(cerr, stores.ErrNotFound) {
			op.Logger.WithError(cerr).Warn("failed to record operation result")
		}
	}

	return out, err
}

func (e *env) execute(ctx context.Context, op *telemetry.Operation, req request, pub progress.Publisher) (rpmtools.Summary, progress.Snapshot, error) {
	if e.policy != nil {
		err := e.policy.Check(ctx, policy.Input{
			Operation: req.op,
			Names:     req.names,
			Apply:     req.apply,
			Host:      e.host,
		})
		if err != nil {
			e.reportDenial(op, err)
			report := progress.New(pub)
			_ = rpmtools.FinishReport(report, err)
			return rpmtools.Summary{}, report.Snapshot(), err
		}
	}

	if e.remote != nil {
		summary, snapshot, err := e.remote.Run(ctx, req, pub)
		if err != nil && policy.IsDenied(err) {
			e.reportDenial(op, err)
		}
		return summary, snapshot, err
	}
	return (&localExecutor{opener: e.opener}).Run(ctx, req, pub)
}

// reportDenial publishes one policy violation event per violated policy.
func (e *env) reportDenial(op *telemetry.Operation, err error) {
	var denied *policy.DeniedError
	if !errors.As(err, &denied) {
		return
	}
	for _, v := range denied.Violations {
		e.tel.Metrics.RecordPolicyDenial(denied.Operation, v.Policy)
		if perr := e.tel.Events.PublishPolicyViolation(op.ID, v.Policy, v.Message); perr != nil {
			op.Logger.WithError(perr).Warn("failed to publish policy violation")
		}
	}
}
