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

// DiskOptions customizes a Disk.
type DiskOptions struct {
	ID            string
	User          string
	Name          string
	VolumeID      string
	AZ            string
	SizeGB        int32
	Status        v1.DiskStatus
	InUseBy       string
	SnapshotCount int32
	CreatedAt     time.Time
	SoftDeletedAt *time.Time
}

// Disk creates a test disk with defaults that can be overridden by
// DiskOptions. Overrides are applied in order, with a last write wins
// semantic.
func Disk(overrides ...DiskOptions) *v1.Disk {
	options := DiskOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge disk options: %s", err.Error()))
		}
	}
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if options.User == "" {
		options.User = strings.ToLower(randomdata.SillyName())
	}
	if options.Name == "" {
		options.Name = v1.DefaultDiskName
	}
	if options.AZ == "" {
		options.AZ = "us-west-2a"
	}
	if options.SizeGB == 0 {
		options.SizeGB = 100
	}
	if options.Status == "" {
		options.Status = v1.DiskStatusAvailable
	}
	return &v1.Disk{
		ID:            options.ID,
		User:          options.User,
		Name:          options.Name,
		VolumeID:      options.VolumeID,
		AZ:            options.AZ,
		SizeGB:        options.SizeGB,
		Status:        options.Status,
		InUseBy:       options.InUseBy,
		SnapshotCount: options.SnapshotCount,
		CreatedAt:     options.CreatedAt,
		SoftDeletedAt: options.SoftDeletedAt,
	}
}
