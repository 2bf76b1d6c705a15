package rpmtools

import (
	"context"
	"errors"
)

// fakeSession records calls and replays configured failures.
type fakeSession struct {
	calls      []string
	members    []Member
	resolveErr map[string]error
	processErr error
	closeErr   error
	closed     int
	processed  bool

	// onProcess runs inside ProcessTransaction, for driving callbacks.
	onProcess func(cb *Callbacks) error
	callbacks *Callbacks
}

func (s *fakeSession) resolve(op, name string) error {
	s.calls = append(s.calls, op+":"+name)
	return s.resolveErr[name]
}

func (s *fakeSession) Install(_ context.Context, name string) error {
	return s.resolve("install", name)
}

func (s *fakeSession) Update(_ context.Context, name string) error {
	return s.resolve("update", name)
}

func (s *fakeSession) Remove(_ context.Context, name string) error {
	return s.resolve("remove", name)
}

func (s *fakeSession) SelectGroup(_ context.Context, group string) error {
	return s.resolve("select_group", group)
}

func (s *fakeSession) GroupRemove(_ context.Context, group string) error {
	return s.resolve("group_remove", group)
}

func (s *fakeSession) ProcessTransaction(context.Context) error {
	s.processed = true
	if s.onProcess != nil {
		if err := s.onProcess(s.callbacks); err != nil {
			return err
		}
	}
	return s.processErr
}

func (s *fakeSession) Members() []Member {
	if s.closed == 0 {
		panic("members read before close")
	}
	return s.members
}

func (s *fakeSession) Close() error {
	s.closed++
	return s.closeErr
}

// fakeOpener hands out one session and records the options it was opened with.
type fakeOpener struct {
	session *fakeSession
	opts    []SessionOptions
	err     error
}

func (o *fakeOpener) Open(_ context.Context, opts SessionOptions) (Session, error) {
	o.opts = append(o.opts, opts)
	if o.err != nil {
		return nil, o.err
	}
	o.session.callbacks = opts.Callbacks
	return o.session, nil
}

var errNoMatch = errors.New("no package matched")

func testMembers() []Member {
	pkg := func(name string) Package {
		return Package{Name: name, Version: "1.0", Release: "1.fc40", Epoch: "0", Arch: "x86_64"}
	}
	return []Member{
		{State: TxInstall, Package: pkg("tmux"), RepoID: "fedora"},
		{State: TxInstall, Package: pkg("libevent"), RepoID: "fedora", IsDep: true},
		{State: TxUpdate, Package: pkg("openssl"), RepoID: "updates"},
		{State: TxErase, Package: pkg("screen"), RepoID: "@System"},
		{State: TxFailed, Package: pkg("broken"), RepoID: "fedora"},
		{State: TxAvailable, Package: pkg("extra"), RepoID: "fedora"},
	}
}
