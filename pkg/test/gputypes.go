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

	"github.com/imdario/mergo"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
)

// GPUTypeOptions customizes a GPUType.
type GPUTypeOptions struct {
	Name           string
	InstanceFamily string
	GPUsPerNode    int32
	VCPUsPerNode   int32
	MemoryGB       int32
	MultiNode      bool
	Inactive       bool
}

// GPUType creates an active catalog row with defaults that can be overridden
// by GPUTypeOptions. Overrides are applied in order, with a last write wins
// semantic.
func GPUType(overrides ...GPUTypeOptions) *v1.GPUType {
	options := GPUTypeOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge gpu type options: %s", err.Error()))
		}
	}
	if options.Name == "" {
		options.Name = "a100"
	}
	if options.InstanceFamily == "" {
		options.InstanceFamily = "p4d"
	}
	if options.GPUsPerNode == 0 && options.Name != "cpu" {
		options.GPUsPerNode = 8
	}
	if options.VCPUsPerNode == 0 {
		options.VCPUsPerNode = 96
	}
	if options.MemoryGB == 0 {
		options.MemoryGB = 1152
	}
	return &v1.GPUType{
		Name:           options.Name,
		InstanceFamily: options.InstanceFamily,
		GPUsPerNode:    options.GPUsPerNode,
		VCPUsPerNode:   options.VCPUsPerNode,
		MemoryGB:       options.MemoryGB,
		MultiNode:      options.MultiNode,
		Active:         !options.Inactive,
	}
}

// CPUType creates the CPU-only catalog row.
func CPUType(overrides ...GPUTypeOptions) *v1.GPUType {
	return GPUType(append([]GPUTypeOptions{{Name: "cpu", InstanceFamily: "m5", VCPUsPerNode: 16, MemoryGB: 64}}, overrides...)...)
}
