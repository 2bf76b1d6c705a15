package stores

import (
	"context"
	"time"

	"github.com/openfroyo/rpmtools/pkg/progress"
	"github.com/openfroyo/rpmtools/pkg/rpmtools"
)

// OperationStatus is the state of a recorded operation.
type OperationStatus string

const (
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusSucceeded OperationStatus = "succeeded"
	OperationStatusFailed    OperationStatus = "failed"
)

// Package buckets mirror the fields of rpmtools.Summary.
const (
	BucketResolved = "resolved"
	BucketDeps     = "deps"
	BucketFailed   = "failed"
)

// Operation is one install, update or removal run.
type Operation struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Targets   []string        `json:"targets"`
	Host      string          `json:"host,omitempty"`
	Apply     bool            `json:"apply"`
	Status    OperationStatus `json:"status"`

	// Action is the final report action, e.g. "Installed".
	Action     string            `json:"action,omitempty"`
	ErrorClass string            `json:"error_class,omitempty"`
	Error      *string           `json:"error,omitempty"`
	Details    map[string]string `json:"details,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns how long the operation ran, or zero while running.
func (o *Operation) Duration() time.Duration {
	if o.CompletedAt == nil {
		return 0
	}
	return o.CompletedAt.Sub(o.StartedAt)
}

// OperationPackage is a package row of an operation summary.
type OperationPackage struct {
	OperationID string `json:"operation_id"`
	Bucket      string `json:"bucket"`
	rpmtools.PackageRecord
}

// OperationStep is one step of the final progress report.
type OperationStep struct {
	OperationID string          `json:"operation_id"`
	Seq         int             `json:"seq"`
	Name        string          `json:"name"`
	Status      progress.Status `json:"status"`
}

// Completion is the outcome passed to CompleteOperation.
type Completion struct {
	Summary rpmtools.Summary
	Report  progress.Snapshot
	Err     error
	At      time.Time
}

// ListOptions filters ListOperations.
type ListOptions struct {
	Operation string
	Status    OperationStatus
	Since     time.Time
	// Limit of zero returns every match.
	Limit int
}

// Store persists operation history.
type Store interface {
	CreateOperation(ctx context.Context, op *Operation) error
	CompleteOperation(ctx context.Context, id string, c Completion) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	ListOperations(ctx context.Context, opts ListOptions) ([]*Operation, error)
	GetOperationPackages(ctx context.Context, id string) ([]*OperationPackage, error)
	GetOperationSteps(ctx context.Context, id string) ([]*OperationStep, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
