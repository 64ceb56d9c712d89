// Package async runs StudioOS processing jobs: a persistent job store,
// a strict-priority queue, a worker pool and the retry policy.
package async

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/pulse"
)

// JobState is the lifecycle state of a job
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateRetrying  JobState = "retrying"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsValidState returns true if the string names a JobState
func IsValidState(s string) bool {
	switch JobState(s) {
	case StateQueued, StateRunning, StateRetrying, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// transitions is the complete job state machine. Anything absent is illegal.
var transitions = map[JobState][]JobState{
	StateQueued:   {StateRunning, StateCancelled},
	StateRunning:  {StateCompleted, StateRetrying, StateFailed, StateCancelled},
	StateRetrying: {StateQueued, StateCancelled},
}

// CanTransition reports whether from -> to is a legal job transition
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders dispatch: lower values run first
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBulk
)

// NumPriorities is the number of priority classes
const NumPriorities = 5

var priorityNames = [NumPriorities]string{"critical", "high", "normal", "low", "bulk"}

// Valid reports whether p is one of the five classes
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBulk
}

func (p Priority) String() string {
	if !p.Valid() {
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
	return priorityNames[p]
}

// ParsePriority accepts a class name ("critical") or number ("0")
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if s == name {
			return Priority(i), nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Priority(n).Valid() {
		return 0, errors.NewInvalidRequestError("priority must be 0-4 or one of %s, got %q", strings.Join(priorityNames[:], "/"), s)
	}
	return Priority(n), nil
}

// Progress is the phased progress of the current attempt
type Progress struct {
	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// Job is one unit of asynchronous processing on a set of assets
type Job struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Priority         Priority        `json:"priority"`
	State            JobState        `json:"state"`
	ProjectID        string          `json:"projectId,omitempty"`
	AssetIDs         []string        `json:"assetIds"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	Outputs          []string        `json:"outputs,omitempty"`
	Progress         Progress        `json:"progress"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"maxAttempts"`
	Error            string          `json:"error,omitempty"`
	ErrorCode        ErrorCode       `json:"errorCode,omitempty"`
	RerunOf          string          `json:"rerunOf,omitempty"`
	RunAfter         *time.Time      `json:"runAfter,omitempty"`
	AttemptStartedAt *time.Time      `json:"attemptStartedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	Revision         int64           `json:"revision"` // bumped by every stored write
}

// JobSpec is a submission request
type JobSpec struct {
	Type        string          `json:"type"`
	Priority    Priority        `json:"priority"`
	ProjectID   string          `json:"projectId,omitempty"`
	AssetIDs    []string        `json:"assetIds"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
}

// NewJobID generates a job identifier
func NewJobID() string {
	return "job_" + uuid.NewString()
}

// NewJob validates spec and builds a queued job
func NewJob(spec JobSpec, now time.Time) (*Job, error) {
	if strings.TrimSpace(spec.Type) == "" {
		return nil, errors.NewInvalidRequestError("job type is required")
	}
	if !spec.Priority.Valid() {
		return nil, errors.NewInvalidRequestError("priority must be between 0 and 4, got %d", int(spec.Priority))
	}
	if spec.MaxAttempts < 1 {
		return nil, errors.NewInvalidRequestError("maxAttempts must be >= 1, got %d", spec.MaxAttempts)
	}
	if len(spec.Parameters) > 0 && !json.Valid(spec.Parameters) {
		return nil, errors.NewInvalidRequestError("parameters must be valid JSON")
	}

	assets := spec.AssetIDs
	if assets == nil {
		assets = []string{}
	}

	now = now.UTC()
	return &Job{
		ID:          NewJobID(),
		Type:        spec.Type,
		Priority:    spec.Priority,
		State:       StateQueued,
		ProjectID:   spec.ProjectID,
		AssetIDs:    assets,
		Parameters:  spec.Parameters,
		MaxAttempts: spec.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Spec returns the submission that produced this job, used for reruns
func (j *Job) Spec() JobSpec {
	return JobSpec{
		Type:        j.Type,
		Priority:    j.Priority,
		ProjectID:   j.ProjectID,
		AssetIDs:    append([]string(nil), j.AssetIDs...),
		Parameters:  j.Parameters,
		MaxAttempts: j.MaxAttempts,
	}
}

// Clone returns a deep copy safe to mutate
func (j *Job) Clone() *Job {
	c := *j
	c.AssetIDs = append([]string(nil), j.AssetIDs...)
	c.Outputs = append([]string(nil), j.Outputs...)
	if j.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), j.Parameters...)
	}
	return &c
}

// Snapshot converts the job to its published form
func (j *Job) Snapshot() pulse.Snapshot {
	return pulse.Snapshot{
		Kind:      pulse.KindJob,
		ID:        j.ID,
		ProjectID: j.ProjectID,
		State:     string(j.State),
		Terminal:  j.State.IsTerminal(),
		Phase:     j.Progress.Phase,
		Percent:   j.Progress.Percent,
		Message:   j.Progress.Message,
		Error:     j.Error,
		Attempt:   j.Attempts,
		Revision:  j.Revision,
		UpdatedAt: j.UpdatedAt,
	}
}
