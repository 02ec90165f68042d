package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventKind names a job lifecycle event.
type EventKind string

const (
	EventJobCreated       EventKind = "JobCreated"
	EventJobItemStarted   EventKind = "JobItemStarted"
	EventJobItemCompleted EventKind = "JobItemCompleted"
	EventJobCompleted     EventKind = "JobCompleted"
	EventJobCanceled      EventKind = "JobCanceled"
	EventJobRetried       EventKind = "JobRetried"
)

// JobEvent is implemented by every lifecycle event. Each event is scoped to
// exactly one job so consumers can filter and route by job.
type JobEvent interface {
	EventJobID() string
	EventKind() EventKind
	EventTime() time.Time
}

// JobItemEvent is a lifecycle event about a single item within a job.
type JobItemEvent interface {
	JobEvent
	ItemIndex() int
}

// EventPublisher delivers lifecycle events to subscribed observers. Publish
// calls are fire and forget relative to state transitions: a failing or slow
// consumer must never roll back or block the transition that produced the
// event.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, evt JobEvent)
	PublishJobItemEvent(ctx context.Context, evt JobItemEvent)
}

type eventBase struct {
	JobID      string    `json:"jobId"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (e eventBase) EventJobID() string   { return e.JobID }
func (e eventBase) EventTime() time.Time { return e.OccurredAt }

// JobCreatedEvent fires when a job is persisted in Pending status.
type JobCreatedEvent struct {
	eventBase
	Type                string `json:"type"`
	TotalItems          int    `json:"totalItems"`
	EstimatedDurationMs int64  `json:"estimatedDurationMs,omitempty"`
}

func (JobCreatedEvent) EventKind() EventKind { return EventJobCreated }

// NewJobCreatedEvent builds the creation event for the given job.
func NewJobCreatedEvent(j *Job, at time.Time) JobCreatedEvent {
	return JobCreatedEvent{
		eventBase:           eventBase{JobID: j.ID, OccurredAt: at},
		Type:                j.Type,
		TotalItems:          j.TotalItems,
		EstimatedDurationMs: j.EstimatedDurationMs,
	}
}

// JobItemStartedEvent fires when an item is claimed for execution.
type JobItemStartedEvent struct {
	eventBase
	Index int `json:"index"`
}

func (JobItemStartedEvent) EventKind() EventKind { return EventJobItemStarted }
func (e JobItemStartedEvent) ItemIndex() int     { return e.Index }

// NewJobItemStartedEvent builds the item-started event.
func NewJobItemStartedEvent(jobID string, index int, at time.Time) JobItemStartedEvent {
	return JobItemStartedEvent{eventBase: eventBase{JobID: jobID, OccurredAt: at}, Index: index}
}

// JobItemCompletedEvent fires when an item reaches a terminal status. Result
// carries the item's opaque output on success; ErrorMessage is set on failure.
type JobItemCompletedEvent struct {
	eventBase
	Index        int             `json:"index"`
	Status       JobItemStatus   `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

func (JobItemCompletedEvent) EventKind() EventKind { return EventJobItemCompleted }
func (e JobItemCompletedEvent) ItemIndex() int     { return e.Index }

// NewJobItemCompletedEvent builds the item-completed event from the settled item.
func NewJobItemCompletedEvent(it JobItem, at time.Time) JobItemCompletedEvent {
	return JobItemCompletedEvent{
		eventBase:    eventBase{JobID: it.JobID, OccurredAt: at},
		Index:        it.Index,
		Status:       it.Status,
		Result:       it.OutputJSON,
		ErrorMessage: it.ErrorMessage,
	}
}

// JobCompletedEvent fires when a job reaches any terminal status.
type JobCompletedEvent struct {
	eventBase
	Status         JobStatus `json:"status"`
	CompletedItems int       `json:"completedItems"`
	FailedItems    int       `json:"failedItems"`
}

func (JobCompletedEvent) EventKind() EventKind { return EventJobCompleted }

// NewJobCompletedEvent builds the terminal event for a job.
func NewJobCompletedEvent(jobID string, status JobStatus, completed, failed int, at time.Time) JobCompletedEvent {
	return JobCompletedEvent{
		eventBase:      eventBase{JobID: jobID, OccurredAt: at},
		Status:         status,
		CompletedItems: completed,
		FailedItems:    failed,
	}
}

// JobCanceledEvent fires when a cancel request is accepted for a job.
type JobCanceledEvent struct {
	eventBase
	CanceledItems int `json:"canceledItems"`
}

func (JobCanceledEvent) EventKind() EventKind { return EventJobCanceled }

// NewJobCanceledEvent builds the cancel event.
func NewJobCanceledEvent(jobID string, canceledItems int, at time.Time) JobCanceledEvent {
	return JobCanceledEvent{eventBase: eventBase{JobID: jobID, OccurredAt: at}, CanceledItems: canceledItems}
}

// JobRetriedEvent fires when failed items are reopened for a fresh attempt.
type JobRetriedEvent struct {
	eventBase
	RetriedItems []int `json:"retriedItems"`
}

func (JobRetriedEvent) EventKind() EventKind { return EventJobRetried }

// NewJobRetriedEvent builds the retry event.
func NewJobRetriedEvent(jobID string, retried []int, at time.Time) JobRetriedEvent {
	return JobRetriedEvent{eventBase: eventBase{JobID: jobID, OccurredAt: at}, RetriedItems: retried}
}
