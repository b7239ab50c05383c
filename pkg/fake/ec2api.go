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

package fake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	sdk "github.com/gpu-dev/reservoir/pkg/aws"
)

// EC2Behavior must be reset between tests otherwise tests will
// pollute each other.
type EC2Behavior struct {
	CreateVolumeBehavior      MockedFunction[ec2.CreateVolumeInput, ec2.CreateVolumeOutput]
	DeleteVolumeBehavior      MockedFunction[ec2.DeleteVolumeInput, ec2.DeleteVolumeOutput]
	DescribeVolumesBehavior   MockedFunction[ec2.DescribeVolumesInput, ec2.DescribeVolumesOutput]
	DetachVolumeBehavior      MockedFunction[ec2.DetachVolumeInput, ec2.DetachVolumeOutput]
	CreateSnapshotBehavior    MockedFunction[ec2.CreateSnapshotInput, ec2.CreateSnapshotOutput]
	DeleteSnapshotBehavior    MockedFunction[ec2.DeleteSnapshotInput, ec2.DeleteSnapshotOutput]
	DescribeSnapshotsBehavior MockedFunction[ec2.DescribeSnapshotsInput, ec2.DescribeSnapshotsOutput]
	CreateTagsBehavior        MockedFunction[ec2.CreateTagsInput, ec2.CreateTagsOutput]

	Volumes   sync.Map // volume id -> ec2types.Volume
	Snapshots sync.Map // snapshot id -> ec2types.Snapshot
	NextError AtomicError
}

// EC2API backs the volume provider in tests with an in-memory volume and
// snapshot inventory. Default behavior mimics the real API closely enough for
// the provider's error handling to be exercised: deletes of absent resources
// fail with the coded not-found errors, creates succeed instantly.
type EC2API struct {
	sdk.EC2API
	EC2Behavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (e *EC2API) Reset() {
	e.CreateVolumeBehavior.Reset()
	e.DeleteVolumeBehavior.Reset()
	e.DescribeVolumesBehavior.Reset()
	e.DetachVolumeBehavior.Reset()
	e.CreateSnapshotBehavior.Reset()
	e.DeleteSnapshotBehavior.Reset()
	e.DescribeSnapshotsBehavior.Reset()
	e.CreateTagsBehavior.Reset()
	e.Volumes.Clear()
	e.Snapshots.Clear()
	e.NextError.Reset()
}

func (e *EC2API) CreateVolume(_ context.Context, input *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.CreateVolumeBehavior.Invoke(input, func(input *ec2.CreateVolumeInput) (*ec2.CreateVolumeOutput, error) {
		volume := ec2types.Volume{
			VolumeId:         aws.String(RandomID("vol")),
			Size:             lo.CoalesceOrEmpty(input.Size, aws.Int32(100)),
			AvailabilityZone: input.AvailabilityZone,
			SnapshotId:       input.SnapshotId,
			State:            ec2types.VolumeStateAvailable,
			CreateTime:       aws.Time(time.Now().UTC()),
			Tags:             specTags(input.TagSpecifications, ec2types.ResourceTypeVolume),
		}
		e.Volumes.Store(aws.ToString(volume.VolumeId), volume)
		return &ec2.CreateVolumeOutput{
			VolumeId:         volume.VolumeId,
			Size:             volume.Size,
			AvailabilityZone: volume.AvailabilityZone,
			SnapshotId:       volume.SnapshotId,
			State:            volume.State,
			CreateTime:       volume.CreateTime,
			Tags:             volume.Tags,
		}, nil
	})
}

func (e *EC2API) DeleteVolume(_ context.Context, input *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.DeleteVolumeBehavior.Invoke(input, func(input *ec2.DeleteVolumeInput) (*ec2.DeleteVolumeOutput, error) {
		id := aws.ToString(input.VolumeId)
		if _, ok := e.Volumes.Load(id); !ok {
			return nil, apiError("InvalidVolume.NotFound", "The volume does not exist")
		}
		e.Volumes.Delete(id)
		return &ec2.DeleteVolumeOutput{}, nil
	})
}

func (e *EC2API) DescribeVolumes(_ context.Context, input *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.DescribeVolumesBehavior.Invoke(input, func(input *ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error) {
		var volumes []ec2types.Volume
		e.Volumes.Range(func(_, value any) bool {
			volume := value.(ec2types.Volume)
			if len(input.VolumeIds) > 0 && !lo.Contains(input.VolumeIds, aws.ToString(volume.VolumeId)) {
				return true
			}
			if matchesFilters(input.Filters, volume.Tags, map[string]string{"volume-id": aws.ToString(volume.VolumeId)}) {
				volumes = append(volumes, volume)
			}
			return true
		})
		return &ec2.DescribeVolumesOutput{Volumes: volumes}, nil
	})
}

func (e *EC2API) DetachVolume(_ context.Context, input *ec2.DetachVolumeInput, _ ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.DetachVolumeBehavior.Invoke(input, func(input *ec2.DetachVolumeInput) (*ec2.DetachVolumeOutput, error) {
		id := aws.ToString(input.VolumeId)
		value, ok := e.Volumes.Load(id)
		if !ok {
			return nil, apiError("InvalidVolume.NotFound", "The volume does not exist")
		}
		volume := value.(ec2types.Volume)
		if len(volume.Attachments) == 0 {
			return nil, apiError("InvalidAttachment.NotFound", "The volume is not attached")
		}
		volume.Attachments = nil
		volume.State = ec2types.VolumeStateAvailable
		e.Volumes.Store(id, volume)
		return &ec2.DetachVolumeOutput{VolumeId: input.VolumeId, State: ec2types.VolumeAttachmentStateDetaching}, nil
	})
}

func (e *EC2API) CreateSnapshot(_ context.Context, input *ec2.CreateSnapshotInput, _ ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.CreateSnapshotBehavior.Invoke(input, func(input *ec2.CreateSnapshotInput) (*ec2.CreateSnapshotOutput, error) {
		if _, ok := e.Volumes.Load(aws.ToString(input.VolumeId)); !ok {
			return nil, apiError("InvalidVolume.NotFound", "The volume does not exist")
		}
		snapshot := ec2types.Snapshot{
			SnapshotId: aws.String(RandomID("snap")),
			VolumeId:   input.VolumeId,
			State:      ec2types.SnapshotStateCompleted,
			StartTime:  aws.Time(time.Now().UTC()),
			Tags:       specTags(input.TagSpecifications, ec2types.ResourceTypeSnapshot),
		}
		e.Snapshots.Store(aws.ToString(snapshot.SnapshotId), snapshot)
		return &ec2.CreateSnapshotOutput{
			SnapshotId: snapshot.SnapshotId,
			VolumeId:   snapshot.VolumeId,
			State:      snapshot.State,
			StartTime:  snapshot.StartTime,
			Tags:       snapshot.Tags,
		}, nil
	})
}

func (e *EC2API) DeleteSnapshot(_ context.Context, input *ec2.DeleteSnapshotInput, _ ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.DeleteSnapshotBehavior.Invoke(input, func(input *ec2.DeleteSnapshotInput) (*ec2.DeleteSnapshotOutput, error) {
		id := aws.ToString(input.SnapshotId)
		if _, ok := e.Snapshots.Load(id); !ok {
			return nil, apiError("InvalidSnapshot.NotFound", "The snapshot does not exist")
		}
		e.Snapshots.Delete(id)
		return &ec2.DeleteSnapshotOutput{}, nil
	})
}

func (e *EC2API) DescribeSnapshots(_ context.Context, input *ec2.DescribeSnapshotsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.DescribeSnapshotsBehavior.Invoke(input, func(input *ec2.DescribeSnapshotsInput) (*ec2.DescribeSnapshotsOutput, error) {
		var snapshots []ec2types.Snapshot
		e.Snapshots.Range(func(_, value any) bool {
			snapshot := value.(ec2types.Snapshot)
			if matchesFilters(input.Filters, snapshot.Tags, map[string]string{"volume-id": aws.ToString(snapshot.VolumeId)}) {
				snapshots = append(snapshots, snapshot)
			}
			return true
		})
		return &ec2.DescribeSnapshotsOutput{Snapshots: snapshots}, nil
	})
}

func (e *EC2API) CreateTags(_ context.Context, input *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	if err := e.NextError.Get(); err != nil {
		return nil, err
	}
	return e.CreateTagsBehavior.Invoke(input, func(input *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
		for _, resource := range input.Resources {
			if value, ok := e.Volumes.Load(resource); ok {
				volume := value.(ec2types.Volume)
				volume.Tags = mergeTags(volume.Tags, input.Tags)
				e.Volumes.Store(resource, volume)
				continue
			}
			if value, ok := e.Snapshots.Load(resource); ok {
				snapshot := value.(ec2types.Snapshot)
				snapshot.Tags = mergeTags(snapshot.Tags, input.Tags)
				e.Snapshots.Store(resource, snapshot)
				continue
			}
			return nil, apiError("InvalidParameterValue", "The resource does not exist")
		}
		return &ec2.CreateTagsOutput{}, nil
	})
}

// AttachVolumeForTest marks a volume attached, something the control plane
// never does itself; the kubelet attaches volumes when sandbox pods mount
// them.
func (e *EC2API) AttachVolumeForTest(volumeID, nodeName string) {
	if value, ok := e.Volumes.Load(volumeID); ok {
		volume := value.(ec2types.Volume)
		volume.Attachments = []ec2types.VolumeAttachment{{
			VolumeId:   aws.String(volumeID),
			InstanceId: aws.String(nodeName),
			State:      ec2types.VolumeAttachmentStateAttached,
		}}
		volume.State = ec2types.VolumeStateInUse
		e.Volumes.Store(volumeID, volume)
	}
}

func apiError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

func specTags(specs []ec2types.TagSpecification, resourceType ec2types.ResourceType) []ec2types.Tag {
	for _, spec := range specs {
		if spec.ResourceType == resourceType {
			return spec.Tags
		}
	}
	return nil
}

func mergeTags(existing, updates []ec2types.Tag) []ec2types.Tag {
	merged := lo.SliceToMap(existing, func(t ec2types.Tag) (string, ec2types.Tag) { return aws.ToString(t.Key), t })
	for _, tag := range updates {
		merged[aws.ToString(tag.Key)] = tag
	}
	return lo.Values(merged)
}

// matchesFilters evaluates describe filters against a resource's tags and its
// non-tag attributes. Only the filter shapes the providers actually send are
// supported.
func matchesFilters(filters []ec2types.Filter, tags []ec2types.Tag, attributes map[string]string) bool {
	tagMap := lo.SliceToMap(tags, func(t ec2types.Tag) (string, string) { return aws.ToString(t.Key), aws.ToString(t.Value) })
	for _, filter := range filters {
		name := aws.ToString(filter.Name)
		switch {
		case strings.HasPrefix(name, "tag:"):
			if !lo.Contains(filter.Values, tagMap[strings.TrimPrefix(name, "tag:")]) {
				return false
			}
		default:
			if !lo.Contains(filter.Values, attributes[name]) {
				return false
			}
		}
	}
	return true
}
