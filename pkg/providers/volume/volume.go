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

package volume

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	sdk "github.com/gpu-dev/reservoir/pkg/aws"
	rescache "github.com/gpu-dev/reservoir/pkg/cache"
	reserrors "github.com/gpu-dev/reservoir/pkg/errors"
)

const volumesCacheKey = "volume:list"

// Volume and snapshot states, as EC2 reports them.
const (
	StateCreating  = string(ec2types.VolumeStateCreating)
	StateAvailable = string(ec2types.VolumeStateAvailable)
	StateInUse     = string(ec2types.VolumeStateInUse)
	StateDeleting  = string(ec2types.VolumeStateDeleting)

	SnapshotStatePending   = string(ec2types.SnapshotStatePending)
	SnapshotStateCompleted = string(ec2types.SnapshotStateCompleted)
	SnapshotStateError     = string(ec2types.SnapshotStateError)
)

// Volume is the provider view of an EBS volume carrying reservation tags.
// SnapshotID is the source snapshot the volume was restored from, if any.
type Volume struct {
	ID         string
	Name       string
	User       string
	SizeGB     int32
	Zone       string
	State      string
	Attached   bool
	SnapshotID string
	CreatedAt  time.Time
	Tags       map[string]string
}

type Snapshot struct {
	ID        string
	VolumeID  string
	State     string
	StartedAt time.Time
	Tags      map[string]string
}

type CreateOptions struct {
	Name       string
	User       string
	SizeGB     int32
	Zone       string
	SnapshotID string
}

type Provider interface {
	Create(context.Context, CreateOptions) (*Volume, error)
	Get(ctx context.Context, volumeID string) (*Volume, error)
	List(context.Context) ([]*Volume, error)
	Delete(ctx context.Context, volumeID string) error
	Detach(ctx context.Context, volumeID string) error
	Tag(ctx context.Context, resourceID string, tags map[string]string) error
	CreateSnapshot(ctx context.Context, volumeID string, tags map[string]string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, volumeIDs ...string) ([]*Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

type DefaultProvider struct {
	sync.Mutex
	ec2api sdk.EC2API
	cache  *cache.Cache
	cm     *rescache.ChangeMonitor
}

func NewDefaultProvider(ec2api sdk.EC2API, cache *cache.Cache) *DefaultProvider {
	return &DefaultProvider{
		ec2api: ec2api,
		cache:  cache,
		cm:     rescache.NewChangeMonitor(),
	}
}

func (p *DefaultProvider) Create(ctx context.Context, opts CreateOptions) (*Volume, error) {
	input := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(opts.Zone),
		VolumeType:       ec2types.VolumeTypeGp3,
		Encrypted:        aws.Bool(true),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeVolume,
			Tags: toEC2Tags(map[string]string{
				v1.TagManaged:  v1.ManagedValue,
				v1.TagUser:     opts.User,
				v1.TagDiskName: opts.Name,
				v1.TagName:     fmt.Sprintf("gpu-dev-%s-%s", opts.User, opts.Name),
			}),
		}},
	}
	if opts.SizeGB > 0 {
		input.Size = aws.Int32(opts.SizeGB)
	}
	if opts.SnapshotID != "" {
		input.SnapshotId = aws.String(opts.SnapshotID)
	}
	var out *ec2.CreateVolumeOutput
	err := retry.Do(
		func() (err error) { out, err = p.ec2api.CreateVolume(ctx, input); return err },
		retry.RetryIf(reserrors.IsThrottled),
		retry.Delay(1*time.Second),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("creating volume for %s/%s, %w", opts.User, opts.Name, err)
	}
	p.cache.Delete(volumesCacheKey)
	log.FromContext(ctx).WithValues("volume-id", aws.ToString(out.VolumeId), "zone", opts.Zone, "size-gb", aws.ToInt32(out.Size)).Info("created volume")
	return &Volume{
		ID:         aws.ToString(out.VolumeId),
		Name:       opts.Name,
		User:       opts.User,
		SizeGB:     aws.ToInt32(out.Size),
		Zone:       aws.ToString(out.AvailabilityZone),
		State:      string(out.State),
		SnapshotID: aws.ToString(out.SnapshotId),
		CreatedAt:  aws.ToTime(out.CreateTime),
	}, nil
}

func (p *DefaultProvider) Get(ctx context.Context, volumeID string) (*Volume, error) {
	out, err := p.ec2api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}})
	if err != nil {
		return nil, fmt.Errorf("describing volume %s, %w", volumeID, err)
	}
	if len(out.Volumes) == 0 {
		return nil, fmt.Errorf("describing volume %s, %w", volumeID, reserrors.ErrVolumeNotFound)
	}
	return NewVolume(out.Volumes[0]), nil
}

// List returns every volume carrying the managed tag. Results are cached
// briefly since reconciliation and the sweeper both list within the same
// cadence.
func (p *DefaultProvider) List(ctx context.Context) ([]*Volume, error) {
	p.Lock()
	defer p.Unlock()
	if cached, ok := p.cache.Get(volumesCacheKey); ok {
		return append([]*Volume{}, cached.([]*Volume)...), nil
	}
	var volumes []*Volume
	paginator := ec2.NewDescribeVolumesPaginator(p.ec2api, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{{
			Name:   aws.String("tag:" + v1.TagManaged),
			Values: []string{v1.ManagedValue},
		}},
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describing volumes, %w", err)
		}
		for i := range out.Volumes {
			volumes = append(volumes, NewVolume(out.Volumes[i]))
		}
	}
	p.cache.Set(volumesCacheKey, volumes, rescache.VolumeTTL)
	if p.cm.HasChanged("volumes", lo.Map(volumes, func(v *Volume, _ int) string { return v.ID })) {
		log.FromContext(ctx).WithValues("count", len(volumes)).V(1).Info("discovered volumes")
	}
	return volumes, nil
}

// Delete is idempotent. A volume that is already gone is treated as deleted.
func (p *DefaultProvider) Delete(ctx context.Context, volumeID string) error {
	if _, err := p.ec2api.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)}); err != nil {
		if reserrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting volume %s, %w", volumeID, err)
	}
	p.cache.Delete(volumesCacheKey)
	return nil
}

// Detach is idempotent. A volume that is already detached or gone is treated
// as detached.
func (p *DefaultProvider) Detach(ctx context.Context, volumeID string) error {
	if _, err := p.ec2api.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(volumeID)}); err != nil {
		if reserrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("detaching volume %s, %w", volumeID, err)
	}
	p.cache.Delete(volumesCacheKey)
	return nil
}

func (p *DefaultProvider) Tag(ctx context.Context, resourceID string, tags map[string]string) error {
	if _, err := p.ec2api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags:      toEC2Tags(tags),
	}); err != nil {
		return fmt.Errorf("tagging %s, %w", resourceID, err)
	}
	return nil
}

func (p *DefaultProvider) CreateSnapshot(ctx context.Context, volumeID string, tags map[string]string) (*Snapshot, error) {
	input := &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(volumeID),
		Description: aws.String(fmt.Sprintf("reservoir snapshot of %s", volumeID)),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeSnapshot,
			Tags:         toEC2Tags(lo.Assign(map[string]string{v1.TagManaged: v1.ManagedValue}, tags)),
		}},
	}
	var out *ec2.CreateSnapshotOutput
	err := retry.Do(
		func() (err error) { out, err = p.ec2api.CreateSnapshot(ctx, input); return err },
		retry.RetryIf(reserrors.IsThrottled),
		retry.Delay(1*time.Second),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("snapshotting volume %s, %w", volumeID, err)
	}
	log.FromContext(ctx).WithValues("volume-id", volumeID, "snapshot-id", aws.ToString(out.SnapshotId)).Info("created snapshot")
	return &Snapshot{
		ID:        aws.ToString(out.SnapshotId),
		VolumeID:  volumeID,
		State:     string(out.State),
		StartedAt: aws.ToTime(out.StartTime),
		Tags:      tagMap(out.Tags),
	}, nil
}

// ListSnapshots returns managed snapshots, newest first, optionally restricted
// to the given source volumes.
func (p *DefaultProvider) ListSnapshots(ctx context.Context, volumeIDs ...string) ([]*Snapshot, error) {
	filters := []ec2types.Filter{{
		Name:   aws.String("tag:" + v1.TagManaged),
		Values: []string{v1.ManagedValue},
	}}
	if len(volumeIDs) > 0 {
		filters = append(filters, ec2types.Filter{Name: aws.String("volume-id"), Values: volumeIDs})
	}
	var snapshots []*Snapshot
	paginator := ec2.NewDescribeSnapshotsPaginator(p.ec2api, &ec2.DescribeSnapshotsInput{
		OwnerIds: []string{"self"},
		Filters:  filters,
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describing snapshots, %w", err)
		}
		for _, snapshot := range out.Snapshots {
			snapshots = append(snapshots, &Snapshot{
				ID:        aws.ToString(snapshot.SnapshotId),
				VolumeID:  aws.ToString(snapshot.VolumeId),
				State:     string(snapshot.State),
				StartedAt: aws.ToTime(snapshot.StartTime),
				Tags:      tagMap(snapshot.Tags),
			})
		}
	}
	slices.SortFunc(snapshots, func(a, b *Snapshot) int { return b.StartedAt.Compare(a.StartedAt) })
	return snapshots, nil
}

// DeleteSnapshot is idempotent. A snapshot that is already gone is treated as
// deleted.
func (p *DefaultProvider) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if _, err := p.ec2api.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snapshotID)}); err != nil {
		if reserrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting snapshot %s, %w", snapshotID, err)
	}
	return nil
}

func NewVolume(v ec2types.Volume) *Volume {
	tags := tagMap(v.Tags)
	attached := lo.ContainsBy(v.Attachments, func(a ec2types.VolumeAttachment) bool {
		return a.State == ec2types.VolumeAttachmentStateAttached || a.State == ec2types.VolumeAttachmentStateAttaching
	})
	return &Volume{
		ID:         aws.ToString(v.VolumeId),
		Name:       tags[v1.TagDiskName],
		User:       tags[v1.TagUser],
		SizeGB:     aws.ToInt32(v.Size),
		Zone:       aws.ToString(v.AvailabilityZone),
		State:      string(v.State),
		Attached:   attached,
		SnapshotID: aws.ToString(v.SnapshotId),
		CreatedAt:  aws.ToTime(v.CreateTime),
		Tags:       tags,
	}
}

func toEC2Tags(tags map[string]string) []ec2types.Tag {
	return lo.MapToSlice(tags, func(k, v string) ec2types.Tag {
		return ec2types.Tag{Key: aws.String(k), Value: aws.String(v)}
	})
}

func tagMap(tags []ec2types.Tag) map[string]string {
	return lo.SliceToMap(tags, func(t ec2types.Tag) (string, string) {
		return aws.ToString(t.Key), aws.ToString(t.Value)
	})
}
