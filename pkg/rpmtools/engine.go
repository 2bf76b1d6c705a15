package rpmtools

import "context"

// SessionOptions configure an engine session.
type SessionOptions struct {
	// ImportKeys allows the engine to import repository signing keys.
	ImportKeys bool

	// Callbacks receive transaction events; nil means the engine runs
	// without reporting progress.
	Callbacks *Callbacks
}

// Opener opens engine sessions.
type Opener interface {
	Open(ctx context.Context, opts SessionOptions) (Session, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, opts SessionOptions) (Session, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, opts SessionOptions) (Session, error) {
	return f(ctx, opts)
}

// Session is a single engine transaction. Resolution calls add targets to
// the pending transaction; ProcessTransaction runs it. A Session is used by
// one goroutine and closed exactly once.
type Session interface {
	Install(ctx context.Context, name string) error
	Update(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	SelectGroup(ctx context.Context, group string) error
	GroupRemove(ctx context.Context, group string) error

	// ProcessTransaction downloads, verifies and runs the transaction,
	// reporting through the session's Callbacks.
	ProcessTransaction(ctx context.Context) error

	// Members returns the transaction members. It is valid after Close.
	Members() []Member

	Close() error
}
