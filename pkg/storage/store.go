package storage

import (
	"context"
	"time"
)

// RunRecord stores the outcome of one handled event.
type RunRecord struct {
	ID         uint
	RequestID  string
	DeliveryID string
	Repository string
	HeadSHA    string
	Event      string
	Topic      string
	Action     string
	Outcome    string
	Error      string
	CommitSHA  string
	Transcript string
	Payload    []byte
	CreatedAt  time.Time
}

// RunFilter selects run rows. Zero fields match everything.
type RunFilter struct {
	Repository string
	Outcome    string
	Limit      int
}

// RunStore defines persistence for handled runs.
type RunStore interface {
	CreateRun(ctx context.Context, record *RunRecord) error
	GetRun(ctx context.Context, id uint) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
	Close() error
}
