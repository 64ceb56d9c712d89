// Package delivery fans one release out to many distribution platforms.
//
// A Delivery owns exactly one PlatformDelivery per destination. Platform
// tasks run independently; the delivery's status and progress are derived
// from its platforms and are never set directly.
package delivery

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/pulse"
)

// PlatformID names a distribution destination ("spotify", "tidal")
type PlatformID string

// Status is the state of one platform delivery, and the aggregate of a delivery
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusProcessing Status = "processing"
	StatusUploading  Status = "uploading"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

// stage orders in-progress statuses by how far along they are
var stage = map[Status]int{
	StatusPending:    0,
	StatusValidating: 1,
	StatusProcessing: 2,
	StatusUploading:  3,
}

// InProgress reports whether the platform task is still working
func (s Status) InProgress() bool {
	_, ok := stage[s]
	return ok
}

// IsTerminal reports whether the platform task has finished
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Retryable reports whether a manual retry may reset this status.
// Rejected means the content is wrong; retrying the same asset cannot help.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusCancelled
}

// ParseStatus validates a status name
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if st.InProgress() || st.IsTerminal() {
		return st, nil
	}
	return "", errors.NewInvalidRequestError("unknown delivery status %q", s)
}

// CanTransition reports whether a platform may move from -> to.
// Running tasks may move anywhere; finished ones only back to pending
// through a retry, and only when failed or cancelled.
func CanTransition(from, to Status) bool {
	if from.InProgress() {
		return true
	}
	return from.Retryable() && to == StatusPending
}

// AssetRef is one audio asset in a delivery, with the measurements the
// platform preconditions are checked against
type AssetRef struct {
	ID              string  `json:"id"`
	Key             string  `json:"key"` // object-store key
	Title           string  `json:"title,omitempty"`
	Format          string  `json:"format"`
	SampleRate      int     `json:"sampleRate"`
	BitDepth        int     `json:"bitDepth"`
	LoudnessLUFS    float64 `json:"loudnessLufs"`
	TruePeakDBTP    float64 `json:"truePeakDbtp"`
	ISRC            string  `json:"isrc,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// Handle identifies a submission on the platform side
type Handle string

// PlatformDelivery is one destination of a delivery
type PlatformDelivery struct {
	PlatformID   PlatformID `json:"platformId"`
	Status       Status     `json:"status"`
	Progress     int        `json:"progress"`
	URL          string     `json:"url,omitempty"`
	Error        string     `json:"error,omitempty"`
	Handle       Handle     `json:"handle,omitempty"`
	Attempts     int        `json:"attempts"`
	Version      int        `json:"version"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// normalize enforces the field invariants: a URL only once delivered,
// an error only when failed or rejected
func (pd *PlatformDelivery) normalize() {
	if pd.Status != StatusDelivered {
		pd.URL = ""
	}
	if pd.Status != StatusFailed && pd.Status != StatusRejected {
		pd.Error = ""
	}
	if pd.Status == StatusDelivered {
		pd.Progress = 100
	}
	if pd.Progress < 0 {
		pd.Progress = 0
	}
	if pd.Progress > 100 {
		pd.Progress = 100
	}
}

// LogEntry is one line of a delivery's append-only history
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Delivery is one release sent to a set of platforms
type Delivery struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	ProjectID   string     `json:"projectId,omitempty"`
	SourceJobID string     `json:"sourceJobId,omitempty"`
	Assets      []AssetRef `json:"assets"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Errors      []string   `json:"errors"`
	// Platforms keeps creation order; PlatformDeliveries is keyed for lookup
	Platforms          []PlatformID                     `json:"platforms"`
	PlatformDeliveries map[PlatformID]*PlatformDelivery `json:"platformDeliveries"`
	Logs               []LogEntry                       `json:"logs,omitempty"`
	CreatedAt          time.Time                        `json:"createdAt"`
	UpdatedAt          time.Time                        `json:"updatedAt"`
	CompletedAt        *time.Time                       `json:"completedAt,omitempty"`
	Revision           int64                            `json:"revision"` // bumped by every stored write
}

// CreateRequest is a delivery submission
type CreateRequest struct {
	Title       string       `json:"title"`
	ProjectID   string       `json:"projectId,omitempty"`
	SourceJobID string       `json:"sourceJobId,omitempty"`
	Assets      []AssetRef   `json:"assets"`
	PlatformIDs []PlatformID `json:"platformIds"`
}

// NewDeliveryID generates a delivery identifier
func NewDeliveryID() string {
	return "dlv_" + uuid.NewString()
}

// newDelivery builds a delivery with one pending entry per platform
func newDelivery(req CreateRequest, now time.Time) *Delivery {
	now = now.UTC()
	d := &Delivery{
		ID:                 NewDeliveryID(),
		Title:              strings.TrimSpace(req.Title),
		ProjectID:          req.ProjectID,
		SourceJobID:        req.SourceJobID,
		Assets:             append([]AssetRef(nil), req.Assets...),
		Errors:             []string{},
		Platforms:          append([]PlatformID(nil), req.PlatformIDs...),
		PlatformDeliveries: make(map[PlatformID]*PlatformDelivery, len(req.PlatformIDs)),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, p := range req.PlatformIDs {
		d.PlatformDeliveries[p] = &PlatformDelivery{PlatformID: p, Status: StatusPending, UpdatedAt: now}
	}
	d.Status, d.Progress = Aggregate(d.PlatformDeliveries)
	return d
}

// Platform returns a copy of one platform entry
func (d *Delivery) Platform(id PlatformID) (PlatformDelivery, bool) {
	pd, ok := d.PlatformDeliveries[id]
	if !ok {
		return PlatformDelivery{}, false
	}
	return *pd, true
}

// Snapshot converts the delivery to its published form
func (d *Delivery) Snapshot() pulse.Snapshot {
	platforms := make([]pulse.PlatformSnapshot, 0, len(d.Platforms))
	for _, id := range d.Platforms {
		pd := d.PlatformDeliveries[id]
		if pd == nil {
			continue
		}
		platforms = append(platforms, pulse.PlatformSnapshot{
			PlatformID: string(id),
			Status:     string(pd.Status),
			Progress:   pd.Progress,
			URL:        pd.URL,
			Error:      pd.Error,
		})
	}
	snap := pulse.Snapshot{
		Kind:      pulse.KindDelivery,
		ID:        d.ID,
		ProjectID: d.ProjectID,
		State:     string(d.Status),
		Terminal:  d.Status.IsTerminal(),
		Percent:   d.Progress,
		Platforms: platforms,
		Revision:  d.Revision,
		UpdatedAt: d.UpdatedAt,
	}
	if len(d.Logs) > 0 {
		snap.Message = d.Logs[len(d.Logs)-1].Message
	}
	if len(d.Errors) > 0 {
		snap.Error = d.Errors[len(d.Errors)-1]
	}
	return snap
}
