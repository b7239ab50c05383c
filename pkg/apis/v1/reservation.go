/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1

import (
	"time"

	"github.com/samber/lo"
)

// ReservationStatus is the lifecycle state of a reservation. Transitions are
// guarded by compare-and-set inside store transactions; see CanTransition.
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusQueued    ReservationStatus = "queued"
	ReservationStatusPreparing ReservationStatus = "preparing"
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusExpired   ReservationStatus = "expired"
	ReservationStatusCancelled ReservationStatus = "cancelled"
	ReservationStatusFailed    ReservationStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationStatusExpired || s == ReservationStatusCancelled || s == ReservationStatusFailed
}

// allowedTransitions encodes the state machine. queued and preparing can be
// cancelled directly; preparing reaches failed on provisioning errors; a
// pending request with enough capacity skips queued entirely.
var allowedTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationStatusPending:   {ReservationStatusQueued, ReservationStatusPreparing, ReservationStatusCancelled, ReservationStatusFailed},
	ReservationStatusQueued:    {ReservationStatusPreparing, ReservationStatusCancelled, ReservationStatusFailed},
	ReservationStatusPreparing: {ReservationStatusActive, ReservationStatusCancelled, ReservationStatusFailed},
	ReservationStatusActive:    {ReservationStatusExpired, ReservationStatusCancelled, ReservationStatusFailed},
}

// CanTransition reports whether the state machine permits moving a
// reservation from one status to another.
func CanTransition(from, to ReservationStatus) bool {
	return lo.Contains(allowedTransitions[from], to)
}

// ValidGPUCounts are the only request sizes the platform accepts. Zero is the
// CPU-only case and consumes a user slot rather than GPUs.
var ValidGPUCounts = []int32{0, 1, 2, 4, 8, 16}

// Reservation is the central entity: one user's bounded-duration claim on
// GPU capacity, realized as a sandbox pod + service pair once active.
type Reservation struct {
	ID            string            `json:"id"`
	User          string            `json:"user"`
	GPUType       string            `json:"gpu_type"`
	GPUCount      int32             `json:"gpu_count"`
	DurationHours float64           `json:"duration_hours"`
	Status        ReservationStatus `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LaunchedAt *time.Time `json:"launched_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	// Request details carried from the API boundary. DiskConfirmed records
	// the user's answer to the disk-conflict prompt so it survives message
	// redelivery and waiter promotion.
	DiskName         string            `json:"disk_name,omitempty"`
	NoPersistentDisk bool              `json:"no_persistent_disk,omitempty"`
	DiskConfirmed    bool              `json:"-"`
	Image            string            `json:"image,omitempty"`
	Env              map[string]string `json:"env,omitempty"`

	// Provisioning results.
	SandboxName      string   `json:"sandbox_name,omitempty"`
	SandboxNamespace string   `json:"sandbox_namespace,omitempty"`
	NodeNames        []string `json:"node_names,omitempty"`
	VolumeID         string   `json:"volume_id,omitempty"`
	SSHHost          string   `json:"ssh_host,omitempty"`
	SSHPort          int32    `json:"ssh_port,omitempty"`
	Interactive      bool     `json:"interactive,omitempty"`
	InteractivePort  int32    `json:"interactive_port,omitempty"`

	// Waiting-line bookkeeping, set only while queued.
	QueuePosition *int32 `json:"queue_position,omitempty"`
	ETAMinutes    *int32 `json:"eta_minutes,omitempty"`

	FailureReason  string   `json:"failure_reason,omitempty"`
	WarningsSent   []int32  `json:"warnings_sent,omitempty"`
	ExtensionCount int32    `json:"extension_count"`
	Collaborators  []string `json:"collaborators,omitempty"`

	// Events is the user-visible activity log (OOM kills, extensions,
	// warnings). Append-only.
	Events []Event `json:"events,omitempty"`
}

// Event is one entry in a reservation's user-visible activity log.
type Event struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
}

const (
	EventTypeOOM      = "oom"
	EventTypeWarning  = "warning"
	EventTypeExtended = "extended"
	EventTypeRebuild  = "rebuild"
	EventTypeAccess   = "access"
)

// WarningSent reports whether the warning for the given minute level has
// already been delivered.
func (r *Reservation) WarningSent(minutes int32) bool {
	return lo.Contains(r.WarningsSent, minutes)
}

// MarkWarningSent records delivery of the warning for the given minute level.
func (r *Reservation) MarkWarningSent(minutes int32) {
	if !r.WarningSent(minutes) {
		r.WarningsSent = append(r.WarningsSent, minutes)
	}
}

// LogEvent appends an entry to the reservation's activity log.
func (r *Reservation) LogEvent(now time.Time, eventType, message string) {
	r.Events = append(r.Events, Event{Time: now.UTC(), Type: eventType, Message: message})
}

// MinutesToExpiry returns the whole minutes remaining before expiry, negative
// once past it. Reservations without an expiry return false.
func (r *Reservation) MinutesToExpiry(now time.Time) (int32, bool) {
	if r.ExpiresAt == nil {
		return 0, false
	}
	return int32(r.ExpiresAt.Sub(now) / time.Minute), true
}

// MultiNode reports whether the reservation spans more than one node.
func (r *Reservation) MultiNode() bool {
	return len(r.NodeNames) > 1
}
