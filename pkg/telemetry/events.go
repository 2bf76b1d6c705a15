package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/rpmtools/pkg/progress"
)

// Event is a notification about a package operation.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies where the event originated (cli, runner, ...).
	Source string `json:"source"`

	OperationID string `json:"operation_id,omitempty"`
	Message     string `json:"message,omitempty"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Report is set on progress events.
	Report *progress.Snapshot `json:"report,omitempty"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeOperationStarted   = "operation.started"
	EventTypeOperationCompleted = "operation.completed"
	EventTypeOperationFailed    = "operation.failed"
	EventTypeProgressUpdated    = "progress.updated"
	EventTypePolicyViolation    = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Events are delivered by a
// single goroutine, one subscriber after another, in publish order.
type EventPublisher struct {
	config      EventsConfig
	queue       chan queued
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup

	// sendMu is held for reading while enqueueing and for writing while
	// stopping, so nothing is queued once Shutdown has begun.
	sendMu  sync.RWMutex
	stopped bool
	ctx         context.Context
	cancel      context.CancelFunc
	source      string
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// queued carries either an event or a flush marker.
type queued struct {
	event   Event
	flushed chan struct{}
}

// NewEventPublisher creates a publisher. A disabled configuration yields a
// publisher that drops everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		queue:  make(chan queued, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
		source: "rpmtool",
	}

	ep.wg.Add(1)
	go ep.processEvents()

	return ep, nil
}

// SetSource sets the Source stamped on events that carry none.
func (ep *EventPublisher) SetSource(source string) {
	ep.source = source
}

// Publish queues an event for delivery. Progress events wait for queue space;
// other events are dropped with an error once DeliveryTimeout passes.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = ep.source
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	var timeout <-chan time.Time
	if event.Type != EventTypeProgressUpdated && ep.config.DeliveryTimeout > 0 {
		timer := time.NewTimer(ep.config.DeliveryTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	ep.sendMu.RLock()
	defer ep.sendMu.RUnlock()
	if ep.stopped {
		return ErrPublisherStopped
	}

	select {
	case ep.queue <- queued{event: event}:
		return nil
	case <-timeout:
		return fmt.Errorf("event buffer full, %s event dropped", event.Type)
	}
}

// ProgressPublisher returns a progress.Publisher that publishes each report
// snapshot as a progress.updated event for operationID.
func (ep *EventPublisher) ProgressPublisher(operationID string) progress.Publisher {
	return progress.PublisherFunc(func(snapshot progress.Snapshot) error {
		return ep.Publish(Event{
			Type:        EventTypeProgressUpdated,
			OperationID: operationID,
			Report:      &snapshot,
		})
	})
}

// PublishOperationStarted publishes an operation.started event.
func (ep *EventPublisher) PublishOperationStarted(operationID, operation string, targets []string, apply bool) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationStarted,
		OperationID: operationID,
		Message:     fmt.Sprintf("%s started", operation),
		Data: map[string]interface{}{
			"operation": operation,
			"targets":   targets,
			"apply":     apply,
		},
	})
}

// PublishOperationCompleted publishes an operation.completed event.
func (ep *EventPublisher) PublishOperationCompleted(operationID, operation string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationCompleted,
		OperationID: operationID,
		Message:     fmt.Sprintf("%s completed", operation),
		Data: map[string]interface{}{
			"operation": operation,
			"duration":  duration.Seconds(),
		},
	})
}

// PublishOperationFailed publishes an operation.failed event.
func (ep *EventPublisher) PublishOperationFailed(operationID, operation, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeOperationFailed,
		OperationID: operationID,
		Message:     fmt.Sprintf("%s failed: %s", operation, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"operation": operation,
			"reason":    reason,
		},
	})
}

// PublishPolicyViolation publishes a policy.violation event.
func (ep *EventPublisher) PublishPolicyViolation(operationID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyViolation,
		OperationID: operationID,
		Message:     fmt.Sprintf("%s: %s", policyName, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// Flush blocks until every event published before the call was delivered.
func (ep *EventPublisher) Flush(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	marker := queued{flushed: make(chan struct{})}
	if err := ep.enqueueMarker(ctx, marker); err != nil {
		return err
	}

	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ep *EventPublisher) enqueueMarker(ctx context.Context, marker queued) error {
	ep.sendMu.RLock()
	defer ep.sendMu.RUnlock()
	if ep.stopped {
		return ErrPublisherStopped
	}

	select {
	case ep.queue <- marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case item := <-ep.queue:
			ep.handle(item)
		case <-ep.ctx.Done():
			// drain what was queued before shutdown
			for {
				select {
				case item := <-ep.queue:
					ep.handle(item)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) handle(item queued) {
	if item.flushed != nil {
		close(item.flushed)
		return
	}
	ep.deliverEvent(item.event)
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.sendMu.Lock()
	ep.stopped = true
	ep.cancel()
	ep.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
