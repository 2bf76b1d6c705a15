package dnf

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/rpmtools/pkg/rpmtools"
	"github.com/openfroyo/rpmtools/pkg/telemetry"
)

// Config configures the dnf command line.
type Config struct {
	// Binary is the dnf executable, "dnf" by default.
	Binary string `yaml:"binary" json:"binary"`

	// Options are passed to every invocation, e.g. "--setopt=install_weak_deps=False".
	Options []string `yaml:"options" json:"options"`

	// InstallRoot runs dnf against another root when set.
	InstallRoot string `yaml:"install_root" json:"install_root"`

	// Repos restricts the enabled repositories when set.
	Repos []string `yaml:"repos" json:"repos"`
}

// Opener opens dnf-backed sessions.
type Opener struct {
	config Config
	runner Runner
}

// NewOpener creates an Opener. A nil runner runs dnf locally.
func NewOpener(cfg Config, runner Runner) *Opener {
	if cfg.Binary == "" {
		cfg.Binary = "dnf"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Opener{config: cfg, runner: runner}
}

// Open starts a new session. dnf holds no state between invocations, so
// opening never fails.
func (o *Opener) Open(ctx context.Context, opts rpmtools.SessionOptions) (rpmtools.Session, error) {
	telemetry.FromContext(ctx).Debugf("opening dnf session (import keys: %v)", opts.ImportKeys)
	return &session{
		config: o.config,
		runner: o.runner,
		opts:   opts,
	}, nil
}

// verb is a dnf subcommand.
type verb []string

var (
	verbInstall      = verb{"install"}
	verbUpgrade      = verb{"upgrade"}
	verbRemove       = verb{"remove"}
	verbGroupInstall = verb{"group", "install"}
	verbGroupRemove  = verb{"group", "remove"}
)

func (v verb) String() string { return strings.Join(v, " ") }

type session struct {
	config Config
	runner Runner
	opts   rpmtools.SessionOptions

	verb    verb
	targets []string
	members []rpmtools.Member
	closed  bool
}

func (s *session) Install(ctx context.Context, name string) error {
	return s.resolve(ctx, verbInstall, name)
}

func (s *session) Update(ctx context.Context, name string) error {
	return s.resolve(ctx, verbUpgrade, name)
}

func (s *session) Remove(ctx context.Context, name string) error {
	return s.resolve(ctx, verbRemove, name)
}

func (s *session) SelectGroup(ctx context.Context, group string) error {
	return s.resolve(ctx, verbGroupInstall, group)
}

func (s *session) GroupRemove(ctx context.Context, group string) error {
	return s.resolve(ctx, verbGroupRemove, group)
}

// resolve adds name to the pending transaction and previews it.
func (s *session) resolve(ctx context.Context, v verb, name string) error {
	if s.closed {
		return errors.New("session is closed")
	}
	if s.verb != nil && s.verb.String() != v.String() {
		return rpmtools.NewEngineError(rpmtools.ErrorClassEngine,
			fmt.Sprintf("cannot mix %q and %q in one transaction", s.verb, v), nil)
	}

	targets := append(append([]string{}, s.targets...), name)
	var lines []string
	cmd := s.command(v, targets, "--assumeno")
	code, err := s.runner.Run(ctx, cmd, func(line string) error {
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		return rpmtools.NewEngineError(rpmtools.ErrorClassEngine, "dnf preview failed", err).
			WithOperation(v.String(), targets...)
	}

	preview := ParsePreview(lines)
	for _, nf := range preview.NotFound {
		if nf == name {
			return &rpmtools.ResolutionError{Op: v.String(), Target: name, Err: noMatchError(preview)}
		}
	}

	// --assumeno exits 1 after a successful preview ("Operation aborted.")
	failed := code != 0 && code != 1
	if code == 1 && len(preview.Members) == 0 && !preview.Nothing {
		failed = true
	}
	if failed {
		if len(targets) == 1 {
			return &rpmtools.ResolutionError{Op: v.String(), Target: name, Err: noMatchError(preview)}
		}
		return rpmtools.NewEngineError(rpmtools.ErrorClassResolution, "dnf could not resolve the transaction", noMatchError(preview)).
			WithOperation(v.String(), targets...).
			WithDetail("exit_code", code)
	}

	telemetry.FromContext(ctx).Debugf("%s %s resolved to %d members", v, name, len(preview.Members))
	s.verb = v
	s.targets = targets
	s.members = preview.Members
	return nil
}

func noMatchError(p Preview) error {
	if len(p.Errors) > 0 {
		return errors.New(strings.Join(p.Errors, "; "))
	}
	return errors.New("no match")
}

func (s *session) command(v verb, targets []string, mode ...string) Command {
	args := append([]string{}, mode...)
	if s.config.InstallRoot != "" {
		args = append(args, "--installroot="+s.config.InstallRoot)
	}
	if len(s.config.Repos) > 0 {
		args = append(args, "--disablerepo=*", "--enablerepo="+strings.Join(s.config.Repos, ","))
	}
	args = append(args, s.config.Options...)
	args = append(args, v...)
	args = append(args, targets...)
	return Command{
		Name: s.config.Binary,
		Args: args,
		Env:  []string{"LC_ALL=C"},
	}
}

// ProcessTransaction runs the resolved transaction. Without permission to
// import keys, dnf is asked interactively and only the transaction prompt is
// answered, so any key prompt reads EOF and is declined.
func (s *session) ProcessTransaction(ctx context.Context) error {
	if s.closed {
		return errors.New("session is closed")
	}
	if len(s.targets) == 0 {
		return nil
	}

	var cmd Command
	if s.opts.ImportKeys {
		cmd = s.command(s.verb, s.targets, "-y")
	} else {
		cmd = s.command(s.verb, s.targets)
		cmd.Stdin = "y\n"
	}

	t := &transaction{session: s, callbacks: s.opts.Callbacks}
	code, err := s.runner.Run(ctx, cmd, t.handle)
	if err != nil {
		return err
	}
	if t.keyImport != "" {
		return rpmtools.NewEngineError(rpmtools.ErrorClassKeyImport, "signing key import not allowed", errors.New(t.keyImport)).
			WithOperation(s.verb.String(), s.targets...)
	}
	if code != 0 {
		e := rpmtools.NewEngineError(rpmtools.ErrorClassTransaction, "dnf transaction failed", nil).
			WithOperation(s.verb.String(), s.targets...).
			WithDetail("exit_code", code)
		if len(t.errors) > 0 {
			e.Err = errors.New(strings.Join(t.errors, "; "))
		}
		return e
	}
	return nil
}

func (s *session) Members() []rpmtools.Member {
	out := make([]rpmtools.Member, len(s.members))
	copy(out, s.members)
	return out
}

func (s *session) Close() error {
	if s.closed {
		return errors.New("session already closed")
	}
	s.closed = true
	return nil
}

// transaction turns the output of one dnf run into callback events.
type transaction struct {
	session   *session
	callbacks *rpmtools.Callbacks

	result    *rpmtools.TxState
	failed    bool
	errors    []string
	keyImport string
	// keyCheck is set once the signature check step was pushed.
	keyCheck bool
}

// promptSuffix ends dnf's confirmation prompt, which is printed without a
// newline and so prefixes the next line of output.
const promptSuffix = "[y/N]: "

func (t *transaction) handle(line string) error {
	if i := strings.LastIndex(line, promptSuffix); i >= 0 {
		line = line[i+len(promptSuffix):]
	}
	ev := ParseOutputLine(line)

	if ev.Kind != EventResultRow && ev.Kind != EventNone {
		t.result = nil
		t.failed = false
	}

	switch ev.Kind {
	case EventPhase:
		if t.callbacks != nil {
			return t.callbacks.Phase.Event(ev.Phase)
		}
	case EventDownload:
		if t.callbacks != nil {
			return t.callbacks.Download.Start(ev.Package, ev.Size)
		}
	case EventPackage:
		if t.callbacks != nil {
			return t.callbacks.RPM.Event(ev.Package, ev.Action)
		}
	case EventVerify:
		if t.callbacks != nil {
			return t.callbacks.RPM.Verify(t.member(ev.Package))
		}
	case EventResultSection:
		if ev.Failed {
			t.failed = true
		} else {
			action := ev.Action
			t.result = &action
		}
	case EventResultRow:
		return t.resultRow(ev.Message)
	case EventError:
		t.errors = append(t.errors, ev.Message)
		if t.callbacks != nil {
			return t.callbacks.RPM.ErrorLog(ev.Message)
		}
	case EventKeyImport:
		if t.callbacks != nil && !t.keyCheck {
			t.keyCheck = true
			if err := t.callbacks.Phase.Event(rpmtools.PhaseGPGCheck); err != nil {
				return err
			}
		}
		if !t.session.opts.ImportKeys {
			t.keyImport = ev.Message
			if t.callbacks != nil {
				if err := t.callbacks.RPM.ErrorLog(ev.Message); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (t *transaction) resultRow(row string) error {
	for _, nevra := range strings.Fields(row) {
		switch {
		case t.failed:
			t.markFailed(nevra)
		case t.result != nil && t.callbacks != nil:
			if err := t.callbacks.RPM.FileLog(nevra, *t.result); err != nil {
				return err
			}
		}
	}
	return nil
}

// member finds the transaction member dnf printed as nevra.
func (t *transaction) member(nevra string) rpmtools.Member {
	for _, m := range t.session.members {
		if nevraKey(m.Package) == nevra {
			return m
		}
	}
	pkg, _ := ParseNEVRA(nevra)
	return rpmtools.Member{Package: pkg}
}

func (t *transaction) markFailed(nevra string) {
	for i := range t.session.members {
		if nevraKey(t.session.members[i].Package) == nevra {
			t.session.members[i].State = rpmtools.TxFailed
			return
		}
	}
	if pkg, ok := ParseNEVRA(nevra); ok {
		t.session.members = append(t.session.members, rpmtools.Member{State: rpmtools.TxFailed, Package: pkg})
	}
}
