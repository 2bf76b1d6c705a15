package rpmtools

import (
	"context"
	"fmt"

	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/telemetry"
)

// Operation names, as used in spans, metrics and history.
const (
	OpInstall        = "install"
	OpUpdate         = "update"
	OpUninstall      = "uninstall"
	OpGroupInstall   = "group_install"
	OpGroupUninstall = "group_uninstall"
)

// Option configures a Packages or PackageGroup.
type Option func(*options)

type options struct {
	apply      bool
	importKeys bool
	progress   *progress.Report
}

func newOptions(opts []Option) options {
	o := options{apply: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithApply controls whether the transaction is run. With apply false the
// targets are only resolved and the summary previews the transaction.
// Defaults to true.
func WithApply(apply bool) Option {
	return func(o *options) { o.apply = apply }
}

// WithImportKeys allows the engine to import repository signing keys during
// install and update. Defaults to false.
func WithImportKeys(importKeys bool) Option {
	return func(o *options) { o.importKeys = importKeys }
}

// WithProgress sets the report that receives transaction progress.
func WithProgress(report *progress.Report) Option {
	return func(o *options) { o.progress = report }
}

type resolveFunc func(s Session, ctx context.Context, name string) error

// runner holds what Packages and PackageGroup share.
type runner struct {
	opener Opener
	options
}

// Apply reports whether transactions are run.
func (r *runner) Apply() bool { return r.apply }

// ImportKeys reports whether key import is allowed.
func (r *runner) ImportKeys() bool { return r.importKeys }

// Progress returns the progress report, which may be nil.
func (r *runner) Progress() *progress.Report { return r.progress }

func (r *runner) callbacks() *Callbacks {
	if !r.apply || r.progress == nil {
		return nil
	}
	return NewCallbacks(r.progress)
}

func (r *runner) run(ctx context.Context, op string, names []string, importKeys bool,
	resolve resolveFunc, summarize func([]Member) Summary) (summary Summary, err error) {

	ctx, span := telemetry.StartOperationSpan(ctx, op, names, r.apply)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	log := telemetry.FromContext(ctx).WithOperation(op, names)

	session, err := r.opener.Open(ctx, SessionOptions{
		ImportKeys: importKeys,
		Callbacks:  r.callbacks(),
	})
	if err != nil {
		return Summary{}, NewEngineError(ErrorClassEngine, "open session", err).WithOperation(op, names...)
	}

	defer func() {
		cerr := session.Close()
		switch {
		case cerr != nil && err != nil:
			log.WithError(cerr).Warn("failed to close engine session")
		case cerr != nil:
			summary = Summary{}
			err = NewEngineError(ErrorClassEngine, "close session", cerr).WithOperation(op, names...)
		case err == nil:
			summary = summarize(session.Members())
		}
	}()

	for _, name := range names {
		log.Debugf("resolving %s", name)
		if err = resolve(session, ctx, name); err != nil {
			return Summary{}, err
		}
	}

	if !r.apply {
		log.Debug("dry run, transaction not processed")
		return Summary{}, nil
	}

	log.Debug("processing transaction")
	if err = session.ProcessTransaction(ctx); err != nil {
		return Summary{}, err
	}
	return Summary{}, nil
}

// Packages installs, updates and removes individual packages.
type Packages struct {
	runner
}

// NewPackages creates a Packages that opens sessions with opener.
func NewPackages(opener Opener, opts ...Option) *Packages {
	return &Packages{runner{opener: opener, options: newOptions(opts)}}
}

// Install installs names and summarizes the installed members.
func (p *Packages) Install(ctx context.Context, names []string) (Summary, error) {
	return p.run(ctx, OpInstall, names, p.importKeys, Session.Install, Installed)
}

// Update updates names and summarizes the updated members.
func (p *Packages) Update(ctx context.Context, names []string) (Summary, error) {
	return p.run(ctx, OpUpdate, names, p.importKeys, Session.Update, Updated)
}

// Uninstall removes names and summarizes the erased members. Keys are never
// imported for a removal.
func (p *Packages) Uninstall(ctx context.Context, names []string) (Summary, error) {
	return p.run(ctx, OpUninstall, names, false, Session.Remove, Erased)
}

// PackageGroup installs and removes package groups.
type PackageGroup struct {
	runner
}

// NewPackageGroup creates a PackageGroup that opens sessions with opener.
func NewPackageGroup(opener Opener, opts ...Option) *PackageGroup {
	return &PackageGroup{runner{opener: opener, options: newOptions(opts)}}
}

// Install installs every group in groups.
func (g *PackageGroup) Install(ctx context.Context, groups []string) (Summary, error) {
	return g.run(ctx, OpGroupInstall, groups, g.importKeys, Session.SelectGroup, func(m []Member) Summary {
		return TxSummary(m, TxFailed, TxInstall, TxUpdate)
	})
}

// Uninstall removes every group in groups.
func (g *PackageGroup) Uninstall(ctx context.Context, groups []string) (Summary, error) {
	return g.run(ctx, OpGroupUninstall, groups, false, Session.GroupRemove, func(m []Member) Summary {
		return TxSummary(m, TxFailed, TxErase)
	})
}

// Do dispatches op to the matching method of a Packages or PackageGroup.
func Do(ctx context.Context, opener Opener, op string, names []string, opts ...Option) (Summary, error) {
	switch op {
	case OpInstall:
		return NewPackages(opener, opts...).Install(ctx, names)
	case OpUpdate:
		return NewPackages(opener, opts...).Update(ctx, names)
	case OpUninstall:
		return NewPackages(opener, opts...).Uninstall(ctx, names)
	case OpGroupInstall:
		return NewPackageGroup(opener, opts...).Install(ctx, names)
	case OpGroupUninstall:
		return NewPackageGroup(opener, opts...).Uninstall(ctx, names)
	default:
		return Summary{}, fmt.Errorf("unknown operation: %q", op)
	}
}
