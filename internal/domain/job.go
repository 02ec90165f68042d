package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending        JobStatus = "Pending"
	JobStatusInProgress     JobStatus = "InProgress"
	JobStatusCompleted      JobStatus = "Completed"
	JobStatusFailed         JobStatus = "Failed"
	JobStatusCancelled      JobStatus = "Cancelled"
	JobStatusPartialSuccess JobStatus = "PartialSuccess"
)

// Terminal reports whether the status is final. Terminal jobs are immutable
// except for an explicit retry, which reopens failed items.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusPartialSuccess:
		return true
	}
	return false
}

// JobItemStatus enumerates per-item lifecycle states.
type JobItemStatus string

const (
	ItemStatusPending    JobItemStatus = "Pending"
	ItemStatusInProgress JobItemStatus = "InProgress"
	ItemStatusSuccess    JobItemStatus = "Success"
	ItemStatusFailed     JobItemStatus = "Failed"
	ItemStatusCanceled   JobItemStatus = "Canceled"
)

// Terminal reports whether the item status is final. An item never moves
// backwards; a retry resets it to Pending as a fresh attempt.
func (s JobItemStatus) Terminal() bool {
	switch s {
	case ItemStatusSuccess, ItemStatusFailed, ItemStatusCanceled:
		return true
	}
	return false
}

// Job is a batch unit of work composed of ordered items, tracked end to end.
type Job struct {
	ID                  string          `json:"id"`
	OwnerID             string          `json:"ownerId"`
	Type                string          `json:"type"`
	Status              JobStatus       `json:"status"`
	TotalItems          int             `json:"totalItems"`
	CompletedItems      int             `json:"completedItems"`
	FailedItems         int             `json:"failedItems"`
	InputJSON           json.RawMessage `json:"inputJson,omitempty"`
	EstimatedDurationMs int64           `json:"estimatedDurationMs,omitempty"`
	ActualDurationMs    int64           `json:"actualDurationMs,omitempty"`
	CancelRequested     bool            `json:"cancelRequested,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	StartedAt           *time.Time      `json:"startedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
	Items               []JobItem       `json:"items,omitempty"`
}

// JobItem is one unit of work within a job, identified by (JobID, Index).
// The index is the item's position within the batch, assigned at creation
// and never reused.
type JobItem struct {
	JobID        string          `json:"jobId"`
	Index        int             `json:"index"`
	Status       JobItemStatus   `json:"status"`
	InputJSON    json.RawMessage `json:"inputJson,omitempty"`
	OutputJSON   json.RawMessage `json:"outputJson,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

// Rollup is the deterministic aggregate of a job's item statuses. Counters
// are recomputed from a full read of the items, never patched incrementally,
// so the computation is idempotent under any completion order.
type Rollup struct {
	CompletedItems int
	FailedItems    int
	CanceledItems  int
	AllTerminal    bool
}

// ComputeRollup derives the aggregate from the given items.
func ComputeRollup(items []JobItem) Rollup {
	r := Rollup{AllTerminal: true}
	for _, it := range items {
		switch it.Status {
		case ItemStatusSuccess:
			r.CompletedItems++
		case ItemStatusFailed:
			r.FailedItems++
		case ItemStatusCanceled:
			r.CanceledItems++
		default:
			r.AllTerminal = false
		}
	}
	return r
}

// FinalStatus maps a fully terminal rollup onto the job's final status:
// all success yields Completed, all failure yields Failed, a mix yields
// PartialSuccess, and a cancel request always wins. Callers must only use
// it when AllTerminal is true.
func (r Rollup) FinalStatus(cancelRequested bool) JobStatus {
	if cancelRequested || r.CanceledItems > 0 {
		return JobStatusCancelled
	}
	switch {
	case r.FailedItems == 0:
		return JobStatusCompleted
	case r.CompletedItems == 0:
		return JobStatusFailed
	default:
		return JobStatusPartialSuccess
	}
}
