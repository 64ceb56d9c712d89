// Package pulse carries live progress for jobs and deliveries.
//
// Producers publish whole snapshots; readers always see the newest snapshot
// for an entity and never an older one after a newer one. Intermediate
// snapshots may be skipped when a reader is slow.
package pulse

import "time"

// Kind distinguishes the entity a snapshot describes
type Kind string

const (
	KindJob      Kind = "job"
	KindDelivery Kind = "delivery"
)

// AllKey subscribes to every snapshot
const AllKey = "*"

// JobKey is the topic for a single job
func JobKey(id string) string { return string(KindJob) + ":" + id }

// DeliveryKey is the topic for a single delivery
func DeliveryKey(id string) string { return string(KindDelivery) + ":" + id }

// ProjectKey is the topic for everything tagged with a project
func ProjectKey(id string) string { return "project:" + id }

// PlatformSnapshot is one platform's state inside a delivery snapshot
type PlatformSnapshot struct {
	PlatformID string `json:"platformId"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	URL        string `json:"url,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Snapshot is the full observable state of a job or delivery at one instant
type Snapshot struct {
	Kind      Kind               `json:"kind"`
	ID        string             `json:"id"`
	ProjectID string             `json:"projectId,omitempty"`
	State     string             `json:"state"`
	Terminal  bool               `json:"terminal"`
	Phase     string             `json:"phase,omitempty"`
	Percent   int                `json:"percent"`
	Message   string             `json:"message,omitempty"`
	Error     string             `json:"error,omitempty"`
	Attempt   int                `json:"attempt,omitempty"`
	Platforms []PlatformSnapshot `json:"platforms,omitempty"`
	Revision  int64              `json:"revision"` // store write counter; orders snapshots of one entity
	Seq       uint64             `json:"seq"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Key returns the entity topic of the snapshot
func (s Snapshot) Key() string {
	return string(s.Kind) + ":" + s.ID
}
