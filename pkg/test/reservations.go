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

package test

import (
	"fmt"
	"strings"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"
	"github.com/imdario/mergo"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
)

// ReservationOptions customizes a Reservation.
type ReservationOptions struct {
	ID            string
	User          string
	GPUType       string
	GPUCount      int32
	DurationHours float64
	Status        v1.ReservationStatus
	CreatedAt     time.Time
	LaunchedAt    *time.Time
	ExpiresAt     *time.Time
	DiskName      string
	Image         string
	SandboxName   string
	NodeNames     []string
	VolumeID      string
	WarningsSent  []int32
	Collaborators []string
}

// Reservation creates a test reservation with defaults that can be overridden
// by ReservationOptions. Overrides are applied in order, with a last write
// wins semantic.
func Reservation(overrides ...ReservationOptions) *v1.Reservation {
	options := ReservationOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge reservation options: %s", err.Error()))
		}
	}
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if options.User == "" {
		options.User = strings.ToLower(randomdata.SillyName())
	}
	if options.GPUType == "" {
		options.GPUType = "a100"
	}
	if options.GPUCount == 0 {
		options.GPUCount = 1
	}
	if options.DurationHours == 0 {
		options.DurationHours = 4
	}
	if options.Status == "" {
		options.Status = v1.ReservationStatusPending
	}
	return &v1.Reservation{
		ID:            options.ID,
		User:          options.User,
		GPUType:       options.GPUType,
		GPUCount:      options.GPUCount,
		DurationHours: options.DurationHours,
		Status:        options.Status,
		CreatedAt:     options.CreatedAt,
		UpdatedAt:     options.CreatedAt,
		LaunchedAt:    options.LaunchedAt,
		ExpiresAt:     options.ExpiresAt,
		DiskName:      options.DiskName,
		Image:         options.Image,
		SandboxName:   options.SandboxName,
		NodeNames:     options.NodeNames,
		VolumeID:      options.VolumeID,
		WarningsSent:  options.WarningsSent,
		Collaborators: options.Collaborators,
	}
}

// ActiveReservation creates a running reservation with its sandbox fields
// populated, expiring after its duration from the given launch time.
func ActiveReservation(launchedAt time.Time, overrides ...ReservationOptions) *v1.Reservation {
	reservation := Reservation(overrides...)
	reservation.Status = v1.ReservationStatusActive
	reservation.LaunchedAt = &launchedAt
	expiresAt := launchedAt.Add(time.Duration(reservation.DurationHours * float64(time.Hour)))
	reservation.ExpiresAt = &expiresAt
	reservation.SandboxName = v1.SandboxName(reservation.ID)
	if len(reservation.NodeNames) == 0 {
		reservation.NodeNames = []string{"node-1"}
	}
	return reservation
}
