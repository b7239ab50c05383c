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
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind tags the queue message union. Unknown kinds are logged and
// acked for forward compatibility.
type MessageKind string

const (
	MessageKindCreate             MessageKind = "create"
	MessageKindCancel             MessageKind = "cancel"
	MessageKindExtend             MessageKind = "extend"
	MessageKindEnableInteractive  MessageKind = "enable-interactive"
	MessageKindDisableInteractive MessageKind = "disable-interactive"
	MessageKindAddUser            MessageKind = "add-user"
	MessageKindRebuildImage       MessageKind = "rebuild-image"
	MessageKindDiskCreate         MessageKind = "disk-create"
	MessageKindDiskDelete         MessageKind = "disk-delete"
)

// KnownMessageKinds is the dispatch set the processor understands.
var KnownMessageKinds = []MessageKind{
	MessageKindCreate,
	MessageKindCancel,
	MessageKindExtend,
	MessageKindEnableInteractive,
	MessageKindDisableInteractive,
	MessageKindAddUser,
	MessageKindRebuildImage,
	MessageKindDiskCreate,
	MessageKindDiskDelete,
}

// Message is one queue entry. It carries no business state beyond its id
// references and payload; every decision consults the store, so redelivery
// after a visibility timeout is always safe.
type Message struct {
	ID            string          `json:"id"`
	Kind          MessageKind     `json:"kind"`
	ReservationID string          `json:"reservation_id,omitempty"`
	DiskID        string          `json:"disk_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	DeliveryCount int32           `json:"-"`
}

// CreatePayload rides a create message. The reservation row carries the
// request itself; the payload holds only decisions made at the API boundary.
type CreatePayload struct {
	// DiskConfirmed records that the user explicitly confirmed taking over a
	// disk that is in use by another reservation. Carried on the message so
	// redeliveries honor the original answer.
	DiskConfirmed bool `json:"disk_confirmed,omitempty"`
}

type CancelPayload struct {
	// SkipSnapshot opts out of the shutdown snapshot of the attached disk.
	SkipSnapshot bool `json:"skip_snapshot,omitempty"`
}

type ExtendPayload struct {
	// Hours defaults to the single-extension grant when zero.
	Hours float64 `json:"hours,omitempty"`
}

type AddUserPayload struct {
	User string `json:"user"`
}

type RebuildImagePayload struct {
	Image string `json:"image"`
}

type DiskCreatePayload struct {
	Name   string `json:"name"`
	SizeGB int32  `json:"size_gb"`
	AZ     string `json:"az,omitempty"`
}

type DiskDeletePayload struct {
	// SkipSnapshot opts out of the final safety snapshot.
	SkipSnapshot bool `json:"skip_snapshot,omitempty"`
}

// UnmarshalPayload decodes the message payload into the given kind-specific
// struct. A missing payload decodes to the zero value.
func UnmarshalPayload[T any](msg *Message) (T, error) {
	var payload T
	if len(msg.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return payload, fmt.Errorf("unmarshaling %s payload, %w", msg.Kind, err)
	}
	return payload, nil
}

// NewMessage builds a message of the given kind with a marshaled payload.
func NewMessage(kind MessageKind, payload any) (*Message, error) {
	msg := &Message{Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload, %w", kind, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}
