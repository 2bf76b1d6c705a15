package runner

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rpmtools/pkg/micro_runner/handlers"
	"github.com/openfroyo/rpmtools/pkg/micro_runner/protocol"
	"github.com/openfroyo/rpmtools/pkg/policy"
	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
)

type stubSession struct {
	cb      *rpmtools.Callbacks
	members []rpmtools.Member
}

func (s *stubSession) add(_ context.Context, name string) error {
	s.members = append(s.members, rpmtools.Member{
		State:   rpmtools.TxInstall,
		Package: rpmtools.Package{Name: name, Version: "1.0", Release: "1", Epoch: "0", Arch: "noarch"},
		RepoID:  "appstream",
	})
	return nil
}

func (s *stubSession) Install(ctx context.Context, n string) error     { return s.add(ctx, n) }
func (s *stubSession) Update(ctx context.Context, n string) error      { return s.add(ctx, n) }
func (s *stubSession) Remove(ctx context.Context, n string) error      { return s.add(ctx, n) }
func (s *stubSession) SelectGroup(ctx context.Context, n string) error { return s.add(ctx, n) }
func (s *stubSession) GroupRemove(ctx context.Context, n string) error { return s.add(ctx, n) }
func (s *stubSession) Members() []rpmtools.Member                      { return s.members }
func (s *stubSession) Close() error                                    { return nil }

func (s *stubSession) ProcessTransaction(context.Context) error {
	for _, p := range []rpmtools.Phase{rpmtools.PhaseDownload, rpmtools.PhaseGPGCheck, rpmtools.PhaseTransaction} {
		if err := s.cb.Phase.Event(p); err != nil {
			return err
		}
	}
	for _, m := range s.members {
		if err := s.cb.RPM.FileLog(m.Package.String(), rpmtools.TxInstall); err != nil {
			return err
		}
	}
	return nil
}

var stubOpener = rpmtools.OpenerFunc(func(_ context.Context, opts rpmtools.SessionOptions) (rpmtools.Session, error) {
	return &stubSession{cb: opts.Callbacks}, nil
})

// harness runs a Server over pipes.
type harness struct {
	enc  *protocol.Encoder
	dec  *protocol.Decoder
	in   *io.PipeWriter
	done chan *protocol.ExitMessage
}

func startServer(t *testing.T, ttl time.Duration) *harness {
	t.Helper()

	eng, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	server, err := New(inR, outW, &handlers.RPMHandler{Opener: stubOpener, Policy: eng})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	server.TTL = ttl

	h := &harness{
		enc:  protocol.NewEncoder(inW),
		dec:  protocol.NewDecoder(outR),
		in:   inW,
		done: make(chan *protocol.ExitMessage, 1),
	}
	go func() {
		exit, _ := server.Serve(context.Background())
		outW.Close()
		h.done <- exit
	}()
	t.Cleanup(func() { inW.Close(); outR.Close() })

	msg := h.next(t)
	if msg.Type != protocol.MessageTypeReady {
		t.Fatalf("first message = %s, want READY", msg.Type)
	}
	var ready protocol.ReadyMessage
	if err := json.Unmarshal(msg.Data, &ready); err != nil {
		t.Fatal(err)
	}
	if !ready.Caps["rpm.install"] || !ready.Caps["policy"] {
		t.Errorf("capabilities = %v", ready.Caps)
	}
	return h
}

func (h *harness) next(t *testing.T) *protocol.Message {
	t.Helper()
	msg, err := h.dec.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return msg
}

func (h *harness) send(t *testing.T, id string, ct protocol.CommandType, params *protocol.RPMParams) {
	t.Helper()
	cmd, err := protocol.NewRPMCommand(id, ct, params, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.enc.Encode(protocol.MessageTypeCommand, cmd); err != nil {
		t.Fatal(err)
	}
}

// collect reads until the command's DONE or ERROR.
func (h *harness) collect(t *testing.T) ([]protocol.EventMessage, *protocol.Message) {
	t.Helper()
	var events []protocol.EventMessage
	for {
		msg := h.next(t)
		if msg.Type != protocol.MessageTypeEvent {
			return events, msg
		}
		var evt protocol.EventMessage
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			t.Fatal(err)
		}
		events = append(events, evt)
	}
}

func TestServeInstall(t *testing.T) {
	h := startServer(t, time.Minute)
	h.send(t, "cmd-1", protocol.CommandTypeInstall, &protocol.RPMParams{Names: []string{"tmux"}})

	events, final := h.collect(t)
	if final.Type != protocol.MessageTypeDone {
		t.Fatalf("final message = %s, want DONE", final.Type)
	}

	var done protocol.DoneMessage
	if err := json.Unmarshal(final.Data, &done); err != nil {
		t.Fatal(err)
	}
	var result protocol.RPMResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		t.Fatal(err)
	}
	if done.CommandID != "cmd-1" || len(result.Summary.Resolved) != 1 {
		t.Errorf("done = %+v, result = %+v", done, result)
	}
	if len(result.Report.Steps) != 3 || result.Report.Details[progress.DetailAction] != "Installed" {
		t.Errorf("report = %+v", result.Report)
	}

	var reports int
	for _, evt := range events {
		if evt.CommandID != "cmd-1" {
			t.Errorf("event for %q", evt.CommandID)
		}
		if evt.Report != nil {
			reports++
		}
	}
	// three steps, one action and the final status
	if reports != 5 {
		t.Errorf("got %d progress events, want 5", reports)
	}
	if last := events[len(events)-1]; last.Metadata["type"] != "operation.completed" {
		t.Errorf("last event = %+v", last)
	}

	if err := h.enc.EncodeExit(&protocol.ExitMessage{Reason: "requested"}); err != nil {
		t.Fatal(err)
	}
	msg := h.next(t)
	if msg.Type != protocol.MessageTypeExit {
		t.Fatalf("got %s, want EXIT", msg.Type)
	}
	exit := <-h.done
	if exit.Reason != ReasonRequested || exit.CommandsTotal != 1 || exit.SelfDeleted {
		t.Errorf("exit = %+v", exit)
	}
}

func TestServePolicyDenied(t *testing.T) {
	h := startServer(t, time.Minute)
	h.send(t, "cmd-2", protocol.CommandTypeUninstall, &protocol.RPMParams{Names: []string{"rpm"}})

	_, final := h.collect(t)
	if final.Type != protocol.MessageTypeError {
		t.Fatalf("final message = %s, want ERROR", final.Type)
	}
	var errMsg protocol.ErrorMessage
	if err := json.Unmarshal(final.Data, &errMsg); err != nil {
		t.Fatal(err)
	}
	if errMsg.Code != protocol.CodePolicyDenied || errMsg.CommandID != "cmd-2" {
		t.Errorf("error = %+v", errMsg)
	}
	if errMsg.Report == nil || errMsg.Report.Details["error"] == "" {
		t.Errorf("error report = %+v", errMsg.Report)
	}
}

func TestServeInvalidCommand(t *testing.T) {
	h := startServer(t, time.Minute)

	cmd := &protocol.CommandMessage{ID: "cmd-3", Type: protocol.CommandTypeInstall, Timeout: 0, Params: []byte(`{}`)}
	if err := h.enc.Encode(protocol.MessageTypeCommand, cmd); err != nil {
		t.Fatal(err)
	}

	msg := h.next(t)
	var errMsg protocol.ErrorMessage
	if err := json.Unmarshal(msg.Data, &errMsg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != protocol.MessageTypeError || errMsg.Code != protocol.CodeInvalidCommand {
		t.Errorf("got %s %+v", msg.Type, errMsg)
	}
}

func TestServeStdinClosed(t *testing.T) {
	h := startServer(t, time.Minute)
	h.in.Close()

	if msg := h.next(t); msg.Type != protocol.MessageTypeExit {
		t.Fatalf("got %s, want EXIT", msg.Type)
	}
	if exit := <-h.done; exit.Reason != ReasonStdinClosed || exit.ExitCode != 0 {
		t.Errorf("exit = %+v", exit)
	}
}

func TestServeTTL(t *testing.T) {
	h := startServer(t, 100*time.Millisecond)

	if msg := h.next(t); msg.Type != protocol.MessageTypeExit {
		t.Fatalf("got %s, want EXIT", msg.Type)
	}
	if exit := <-h.done; exit.Reason != ReasonTTLExpired {
		t.Errorf("exit = %+v", exit)
	}
}
