package app

import (
	"time"

	"github.com/google/uuid"
)

// Operation tracks one CLI invocation. Its ID tags every log line of the run.
type Operation struct {
	ID        string
	Name      string
	Status    string // "success" or "error"
	StartedAt time.Time
}

// NewOperation creates an operation that has not failed yet.
func NewOperation(name string, now time.Time) *Operation {
	return &Operation{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    "success",
		StartedAt: now,
	}
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = "error"
}

// Failed reports whether any step of the operation returned an error.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}
