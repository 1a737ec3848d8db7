// Package queue holds the data model shared by the store, claim manager,
// batch processor, runner and dispatcher.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transition happens without operator action.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusInProgress, StatusComplete, StatusFailed, StatusCanceled:
		return s, nil
	case "in_progress", "running":
		return StatusInProgress, nil
	}
	return "", fmt.Errorf("unknown job status %q", raw)
}

// Payload is the opaque work descriptor: a registered action plus its JSON arguments.
type Payload struct {
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type Job struct {
	ID          string
	Payload     Payload
	Status      Status
	Group       string
	ScheduledAt time.Time

	// Claim ownership. ClaimedBy is empty when unclaimed.
	ClaimedBy      string
	ClaimExpiresAt time.Time

	Attempts   int
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	LastError  string
}

// Due reports whether the job is pending and its scheduled time has passed.
func (j Job) Due(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledAt.After(now)
}

// Eligible reports whether the job may be claimed at now.
func (j Job) Eligible(now time.Time) bool {
	if !j.Due(now) {
		return false
	}
	return j.ClaimedBy == "" || j.ClaimExpiresAt.Before(now)
}

// Claim is a time-bounded, exclusive grant of jobs to one runner.
type Claim struct {
	ID        string
	JobIDs    []string
	CreatedAt time.Time
	ExpiresAt time.Time

	// Lost counts candidates taken by a concurrent claimer during this call.
	// An empty claim with Lost > 0 does not mean the queue is drained.
	Lost int
}

func (c Claim) Empty() bool { return len(c.JobIDs) == 0 }

// ProcessResult partitions a claim's jobs by outcome.
type ProcessResult struct {
	Completed   []string
	Failed      []string
	Unprocessed []string
}

type RunState int

const (
	StateIdle RunState = iota
	StateRunning
	StateDrained
	StateExpired
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDrained:
		return "drained"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Summary is what one runner invocation reports.
type Summary struct {
	Completed   int
	Failed      int
	Unprocessed int
	Batches     int
	State       RunState
	Elapsed     time.Duration
}

func (s *Summary) Add(r ProcessResult) {
	s.Batches++
	s.Completed += len(r.Completed)
	s.Failed += len(r.Failed)
	s.Unprocessed += len(r.Unprocessed)
}
