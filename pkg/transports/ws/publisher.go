// Package ws streams operation progress to a websocket endpoint.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/telemetry"
)

// Frame types.
const (
	FrameProgress = "progress"
	FrameStatus   = "status"
)

// Frame is one JSON message sent over the socket.
type Frame struct {
	Type        string             `json:"type"`
	OperationID string             `json:"operation_id"`
	Event       string             `json:"event,omitempty"`
	Message     string             `json:"message,omitempty"`
	Report      *progress.Snapshot `json:"report,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Config configures the websocket sink.
type Config struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// ErrClosed is returned when writing to a closed publisher.
var ErrClosed = errors.New("websocket publisher closed")

// Publisher writes progress frames to one websocket connection. Writes are
// serialized; after the first write error the publisher stops writing and
// reports that error from Err.
type Publisher struct {
	cfg  Config
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	err    error
}

// Dial connects to cfg.URL.
func Dial(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.URL, err)
	}

	log.Debug().Str("url", cfg.URL).Msg("progress websocket connected")
	return &Publisher{cfg: cfg, conn: conn}, nil
}

// Attach subscribes the publisher to progress and operation lifecycle events.
func (p *Publisher) Attach(events *telemetry.EventPublisher) {
	events.Subscribe(p.HandleEvent, telemetry.FilterByType(
		telemetry.EventTypeProgressUpdated,
		telemetry.EventTypeOperationStarted,
		telemetry.EventTypeOperationCompleted,
		telemetry.EventTypeOperationFailed,
	))
}

// HandleEvent is a telemetry.EventSubscriber.
func (p *Publisher) HandleEvent(event telemetry.Event) {
	frame := Frame{
		OperationID: event.OperationID,
		Timestamp:   event.Timestamp,
	}
	if event.Type == telemetry.EventTypeProgressUpdated {
		if event.Report == nil {
			return
		}
		frame.Type = FrameProgress
		frame.Report = event.Report
	} else {
		frame.Type = FrameStatus
		frame.Event = event.Type
		frame.Message = event.Message
	}

	if err := p.Write(frame); err != nil && !errors.Is(err, ErrClosed) {
		log.Debug().Err(err).Str("operation_id", event.OperationID).Msg("progress frame not sent")
	}
}

// Write sends one frame.
func (p *Publisher) Write(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.err != nil {
		return p.err
	}

	_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	if err := p.conn.WriteJSON(frame); err != nil {
		p.err = fmt.Errorf("write progress frame: %w", err)
		log.Warn().Err(err).Str("url", p.cfg.URL).Msg("progress websocket write failed")
		return p.err
	}
	return nil
}

// Err returns the first write error, if any.
func (p *Publisher) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close sends a close frame and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(p.cfg.WriteTimeout))
	return p.conn.Close()
}
