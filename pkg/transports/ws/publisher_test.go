package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/telemetry"
)

// sink accepts one websocket connection and forwards decoded frames.
func sink(t *testing.T) (string, <-chan Frame) {
	t.Helper()

	frames := make(chan Frame, 32)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		defer close(frames)
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			frames <- f
		}
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http"), frames
}

func next(t *testing.T, frames <-chan Frame) Frame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("connection closed")
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Frame{}
}

func TestDialRequiresURL(t *testing.T) {
	if _, err := Dial(context.Background(), Config{}); err == nil {
		t.Error("expected error without url")
	}
}

func TestDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	if _, err := Dial(context.Background(), Config{URL: url}); err == nil {
		t.Error("expected handshake to fail against a plain http handler")
	}
}

func TestProgressFrames(t *testing.T) {
	url, frames := sink(t)

	pub, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer pub.Close()

	report := progress.New(progress.PublisherFunc(func(s progress.Snapshot) error {
		pub.HandleEvent(telemetry.Event{
			Type:        telemetry.EventTypeProgressUpdated,
			OperationID: "op-1",
			Report:      &s,
			Timestamp:   time.Now(),
		})
		return nil
	}))
	// a progress event without a report is not sent
	pub.HandleEvent(telemetry.Event{Type: telemetry.EventTypeProgressUpdated, OperationID: "op-1"})
	if err := report.PushStep("Downloading"); err != nil {
		t.Fatal(err)
	}
	if err := report.SetStatus(progress.Succeeded); err != nil {
		t.Fatal(err)
	}

	first := next(t, frames)
	if first.Type != FrameProgress || first.OperationID != "op-1" {
		t.Errorf("first frame = %+v", first)
	}
	if first.Report == nil || len(first.Report.Steps) != 1 || first.Report.Steps[0].Status != progress.Pending {
		t.Errorf("first report = %+v", first.Report)
	}

	second := next(t, frames)
	if second.Report == nil || second.Report.Steps[0].Status != progress.Succeeded {
		t.Errorf("second report = %+v", second.Report)
	}
}

func TestAttach(t *testing.T) {
	url, frames := sink(t)

	pub, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer pub.Close()

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer events.Shutdown(context.Background())
	pub.Attach(events)

	if err := events.PublishOperationStarted("op-2", "install", []string{"htop"}, true); err != nil {
		t.Fatal(err)
	}
	report := progress.New(events.ProgressPublisher("op-2"))
	if err := report.PushStep("Running transaction"); err != nil {
		t.Fatal(err)
	}
	if err := events.PublishPolicyViolation("op-2", "protected-packages", "ignored"); err != nil {
		t.Fatal(err)
	}
	if err := events.PublishOperationFailed("op-2", "install", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := events.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []struct {
		typ   string
		event string
	}{
		{FrameStatus, telemetry.EventTypeOperationStarted},
		{FrameProgress, ""},
		{FrameStatus, telemetry.EventTypeOperationFailed},
	}
	for i, w := range want {
		f := next(t, frames)
		if f.Type != w.typ || f.Event != w.event || f.OperationID != "op-2" {
			t.Errorf("frame %d = %+v, want type %s event %q", i, f, w.typ, w.event)
		}
	}
}

func TestWriteAfterClose(t *testing.T) {
	url, _ := sink(t)

	pub, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
	if err := pub.Write(Frame{Type: FrameProgress}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if pub.Err() != nil {
		t.Errorf("closing is not a write error: %v", pub.Err())
	}
}
