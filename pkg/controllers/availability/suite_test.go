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

package availability_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	clock "k8s.io/utils/clock/testing"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	rescache "github.com/gpu-dev/reservoir/pkg/cache"
	"github.com/gpu-dev/reservoir/pkg/controllers/availability"
	"github.com/gpu-dev/reservoir/pkg/fake"
	"github.com/gpu-dev/reservoir/pkg/operator/options"
	"github.com/gpu-dev/reservoir/pkg/providers/volume"
	"github.com/gpu-dev/reservoir/pkg/store"
	"github.com/gpu-dev/reservoir/pkg/test"
)

var ctx context.Context
var opts *options.Options
var fakeClock *clock.FakeClock
var db *fake.Store
var clusterProvider *fake.ClusterProvider
var ec2api *fake.EC2API
var volumeProvider *volume.DefaultProvider
var controller *availability.Controller

func TestAvailability(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Availability")
}

var _ = BeforeSuite(func() {
	fakeClock = clock.NewFakeClock(time.Now())
	db = fake.NewStore(fakeClock)
	clusterProvider = fake.NewClusterProvider()
	ec2api = &fake.EC2API{}
})

var _ = BeforeEach(func() {
	fakeClock.SetTime(time.Now())
	opts = test.Options()
	ctx = options.ToContext(context.Background(), opts)
	volumeProvider = volume.NewDefaultProvider(ec2api, cache.New(rescache.VolumeTTL, rescache.DefaultCleanupInterval))
	controller = availability.NewController(db, fakeClock, clusterProvider, volumeProvider)
})

var _ = AfterEach(func() {
	db.Reset()
	clusterProvider.Reset()
	ec2api.Reset()
})

func ExpectApplied(objects ...any) {
	GinkgoHelper()
	Expect(db.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, object := range objects {
			switch o := object.(type) {
			case *v1.Reservation:
				if err := tx.InsertReservation(ctx, o); err != nil {
					return err
				}
			case *v1.Disk:
				if err := tx.InsertDisk(ctx, o); err != nil {
					return err
				}
			case *v1.GPUType:
				if err := tx.UpsertGPUType(ctx, o); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unsupported object %T", object)
			}
		}
		return nil
	})).To(Succeed())
}

func ExpectReconciled() {
	GinkgoHelper()
	_, err := controller.Reconcile(ctx)
	Expect(err).To(Succeed())
}

func ExpectGPUType(name string) *v1.GPUType {
	GinkgoHelper()
	gpuType, err := db.GetGPUType(ctx, name)
	Expect(err).To(Succeed())
	return gpuType
}

func ExpectReservation(id string) *v1.Reservation {
	GinkgoHelper()
	reservation, err := db.GetReservation(ctx, id)
	Expect(err).To(Succeed())
	return reservation
}

// ApplyVolume seeds a managed cloud volume directly, the way volumes created
// outside the control plane look to the reconciler.
func ApplyVolume(id, user, name, zone string, sizeGB int32) {
	tags := []ec2types.Tag{{Key: aws.String(v1.TagManaged), Value: aws.String(v1.ManagedValue)}}
	if user != "" {
		tags = append(tags,
			ec2types.Tag{Key: aws.String(v1.TagUser), Value: aws.String(user)},
			ec2types.Tag{Key: aws.String(v1.TagDiskName), Value: aws.String(name)},
		)
	}
	ec2api.Volumes.Store(id, ec2types.Volume{
		VolumeId:         aws.String(id),
		Size:             aws.Int32(sizeGB),
		AvailabilityZone: aws.String(zone),
		State:            ec2types.VolumeStateAvailable,
		CreateTime:       aws.Time(fakeClock.Now().UTC().Add(-time.Hour)),
		Tags:             tags,
	})
}

func ApplySnapshot(id, volumeID string, state ec2types.SnapshotState, startedAt time.Time) {
	ec2api.Snapshots.Store(id, ec2types.Snapshot{
		SnapshotId: aws.String(id),
		VolumeId:   aws.String(volumeID),
		State:      state,
		StartTime:  aws.Time(startedAt),
		Tags:       []ec2types.Tag{{Key: aws.String(v1.TagManaged), Value: aws.String(v1.ManagedValue)}},
	})
}

var _ = Describe("Catalog", func() {
	It("should recompute availability from live nodes and pods", func() {
		ExpectApplied(test.GPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1"}))
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-2"}))
		_, err := clusterProvider.CreatePod(ctx, test.SandboxPod(test.SandboxPodOptions{NodeName: "node-1", GPUs: 3, ReservationID: "r1"}))
		Expect(err).To(Succeed())

		ExpectReconciled()
		gpuType := ExpectGPUType("a100")
		Expect(gpuType.TotalGPUs).To(Equal(int32(16)))
		Expect(gpuType.AvailableGPUs).To(Equal(int32(13)))
		Expect(gpuType.MaxReservable).To(Equal(int32(8)))
		Expect(gpuType.FullNodesAvailable).To(Equal(int32(1)))
		Expect(gpuType.RunningInstances).To(Equal(int32(2)))
		Expect(gpuType.LastUpdatedAt).ToNot(BeNil())
		Expect(*gpuType.LastUpdatedAt).To(BeTemporally("==", fakeClock.Now().UTC()))
		Expect(gpuType.UpdatedBy).ToNot(BeEmpty())
	})

	It("should span empty nodes for multi-node capable types", func() {
		ExpectApplied(test.GPUType(test.GPUTypeOptions{Name: "h100", InstanceFamily: "p5", MultiNode: true}))
		for _, name := range []string{"node-1", "node-2", "node-3"} {
			clusterProvider.AddNode(test.Node(test.NodeOptions{Name: name, GPUType: "h100"}))
		}

		ExpectReconciled()
		gpuType := ExpectGPUType("h100")
		Expect(gpuType.TotalGPUs).To(Equal(int32(24)))
		Expect(gpuType.MaxReservable).To(Equal(int32(24)))
		Expect(gpuType.FullNodesAvailable).To(Equal(int32(3)))
	})

	It("should report cpu capacity as a single slot, not gpus", func() {
		ExpectApplied(test.CPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "cpu-1", GPUType: "cpu"}))
		_, err := clusterProvider.CreatePod(ctx, test.SandboxPod(test.SandboxPodOptions{NodeName: "cpu-1", ReservationID: "r1"}))
		Expect(err).To(Succeed())

		ExpectReconciled()
		gpuType := ExpectGPUType("cpu")
		Expect(gpuType.TotalGPUs).To(BeZero())
		Expect(gpuType.AvailableGPUs).To(BeZero())
		Expect(gpuType.MaxReservable).To(Equal(int32(1)))
		Expect(gpuType.RunningInstances).To(Equal(int32(1)))
	})

	It("should not offer capacity on cordoned or unready nodes", func() {
		ExpectApplied(test.GPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1"}))
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-2", NotReady: true}))
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-3", Unschedulable: true}))

		ExpectReconciled()
		gpuType := ExpectGPUType("a100")
		Expect(gpuType.TotalGPUs).To(Equal(int32(8)))
		Expect(gpuType.RunningInstances).To(Equal(int32(1)))
	})

	It("should leave retired types alone", func() {
		ExpectApplied(test.GPUType(test.GPUTypeOptions{Name: "v100", Inactive: true}))
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1", GPUType: "v100"}))

		ExpectReconciled()
		Expect(ExpectGPUType("v100").LastUpdatedAt).To(BeNil())
	})
})

var _ = Describe("Waiters", func() {
	BeforeEach(func() {
		ExpectApplied(test.GPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1"}))
	})

	It("should compute position and eta from active expirations", func() {
		active := test.ActiveReservation(fakeClock.Now().UTC(), test.ReservationOptions{GPUCount: 8, DurationHours: 1.5})
		_, err := clusterProvider.CreatePod(ctx, test.SandboxPod(test.SandboxPodOptions{NodeName: "node-1", GPUs: 8, ReservationID: active.ID}))
		Expect(err).To(Succeed())
		first := test.Reservation(test.ReservationOptions{GPUCount: 8, Status: v1.ReservationStatusQueued, CreatedAt: fakeClock.Now().UTC().Add(-10 * time.Minute)})
		second := test.Reservation(test.ReservationOptions{GPUCount: 4, Status: v1.ReservationStatusQueued, CreatedAt: fakeClock.Now().UTC().Add(-5 * time.Minute)})
		ExpectApplied(active, first, second)

		ExpectReconciled()
		Expect(lo.FromPtr(ExpectReservation(first.ID).QueuePosition)).To(Equal(int32(1)))
		Expect(lo.FromPtr(ExpectReservation(first.ID).ETAMinutes)).To(Equal(int32(90)))
		Expect(lo.FromPtr(ExpectReservation(second.ID).QueuePosition)).To(Equal(int32(2)))
		// The only known expiration is consumed by the head of the line.
		Expect(ExpectReservation(second.ID).ETAMinutes).To(BeNil())
	})

	It("should hand waiters that now fit back to the processor", func() {
		waiter := test.Reservation(test.ReservationOptions{GPUCount: 2, Status: v1.ReservationStatusQueued, CreatedAt: fakeClock.Now().UTC()})
		ExpectApplied(waiter)

		ExpectReconciled()
		msg, ok := db.Message(v1.PromotionMessageID(waiter.ID))
		Expect(ok).To(BeTrue())
		Expect(msg.Kind).To(Equal(v1.MessageKindCreate))
		Expect(msg.ReservationID).To(Equal(waiter.ID))
		Expect(lo.FromPtr(ExpectReservation(waiter.ID).QueuePosition)).To(Equal(int32(1)))
		Expect(lo.FromPtr(ExpectReservation(waiter.ID).ETAMinutes)).To(BeZero())
	})

	It("should not let small requests jump a blocked head of line", func() {
		_, err := clusterProvider.CreatePod(ctx, test.SandboxPod(test.SandboxPodOptions{NodeName: "node-1", GPUs: 3, ReservationID: "other"}))
		Expect(err).To(Succeed())
		blocked := test.Reservation(test.ReservationOptions{GPUCount: 8, Status: v1.ReservationStatusQueued, CreatedAt: fakeClock.Now().UTC().Add(-10 * time.Minute)})
		small := test.Reservation(test.ReservationOptions{GPUCount: 1, Status: v1.ReservationStatusQueued, CreatedAt: fakeClock.Now().UTC()})
		ExpectApplied(blocked, small)

		ExpectReconciled()
		_, ok := db.Message(v1.PromotionMessageID(blocked.ID))
		Expect(ok).To(BeFalse())
		_, ok = db.Message(v1.PromotionMessageID(small.ID))
		Expect(ok).To(BeFalse())
		Expect(lo.FromPtr(ExpectReservation(small.ID).QueuePosition)).To(Equal(int32(2)))
	})
})

var _ = Describe("Disks", func() {
	It("should import untracked managed volumes", func() {
		ApplyVolume("vol-untracked", "alice", "scratch", "us-west-2b", 50)

		ExpectReconciled()
		disk, err := db.GetDiskByName(ctx, "alice", "scratch")
		Expect(err).To(Succeed())
		Expect(disk.VolumeID).To(Equal("vol-untracked"))
		Expect(disk.Status).To(Equal(v1.DiskStatusAvailable))
		Expect(disk.SizeGB).To(Equal(int32(50)))
		Expect(disk.AZ).To(Equal("us-west-2b"))
		Expect(disk.LastReconciledAt).ToNot(BeNil())
	})

	It("should ignore managed volumes without a user tag", func() {
		ApplyVolume("vol-anon", "", "", "us-west-2a", 100)

		ExpectReconciled()
		disks, err := db.ListDisks(ctx, store.DiskFilter{})
		Expect(err).To(Succeed())
		Expect(disks).To(BeEmpty())
	})

	It("should collapse duplicate rows onto the freshest one", func() {
		ApplyVolume("vol-dup", "alice", "home", "us-west-2a", 100)
		stale := test.Disk(test.DiskOptions{User: "alice", Name: "home-stale", VolumeID: "vol-dup"})
		stale.LastReconciledAt = lo.ToPtr(fakeClock.Now().UTC().Add(-2 * time.Hour))
		fresh := test.Disk(test.DiskOptions{User: "alice", Name: "home", VolumeID: "vol-dup"})
		fresh.LastReconciledAt = lo.ToPtr(fakeClock.Now().UTC().Add(-time.Minute))
		ExpectApplied(stale, fresh)

		ExpectReconciled()
		_, err := db.GetDisk(ctx, stale.ID)
		Expect(err).To(MatchError(store.ErrNotFound))
		survivor, err := db.GetDisk(ctx, fresh.ID)
		Expect(err).To(Succeed())
		Expect(survivor.SizeGB).To(Equal(int32(100)))
	})

	It("should release a hold left by a settled reservation", func() {
		holder := test.Reservation(test.ReservationOptions{User: "alice", Status: v1.ReservationStatusCancelled})
		ApplyVolume("vol-held", "alice", "home", "us-west-2a", 100)
		disk := test.Disk(test.DiskOptions{User: "alice", VolumeID: "vol-held", Status: v1.DiskStatusInUse, InUseBy: holder.ID})
		ExpectApplied(holder, disk)

		ExpectReconciled()
		repaired, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(Succeed())
		Expect(repaired.Status).To(Equal(v1.DiskStatusAvailable))
		Expect(repaired.InUseBy).To(BeEmpty())
	})

	It("should keep a hold backed by a live reservation", func() {
		holder := test.Reservation(test.ReservationOptions{User: "alice", Status: v1.ReservationStatusActive})
		ApplyVolume("vol-live", "alice", "home", "us-west-2a", 100)
		disk := test.Disk(test.DiskOptions{User: "alice", VolumeID: "vol-live", Status: v1.DiskStatusInUse, InUseBy: holder.ID})
		ExpectApplied(holder, disk)

		ExpectReconciled()
		held, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(Succeed())
		Expect(held.Status).To(Equal(v1.DiskStatusInUse))
		Expect(held.InUseBy).To(Equal(holder.ID))
	})

	It("should soft-delete rows whose volume is gone from the cloud", func() {
		disk := test.Disk(test.DiskOptions{User: "alice", VolumeID: "vol-gone"})
		ExpectApplied(disk)

		ExpectReconciled()
		retired, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(Succeed())
		Expect(retired.Status).To(Equal(v1.DiskStatusSoftDeleted))
		Expect(retired.SoftDeletedAt).ToNot(BeNil())
	})

	It("should resurrect a soft-deleted row when the cloud still has the volume", func() {
		ApplyVolume("vol-back", "alice", "home", "us-west-2a", 100)
		disk := test.Disk(test.DiskOptions{User: "alice", VolumeID: "vol-back", Status: v1.DiskStatusSoftDeleted, SoftDeletedAt: lo.ToPtr(fakeClock.Now().UTC())})
		ExpectApplied(disk)

		ExpectReconciled()
		revived, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(Succeed())
		Expect(revived.Status).To(Equal(v1.DiskStatusAvailable))
		Expect(revived.SoftDeletedAt).To(BeNil())
	})

	It("should sync snapshot counters from the cloud", func() {
		ApplyVolume("vol-snaps", "alice", "home", "us-west-2a", 100)
		disk := test.Disk(test.DiskOptions{User: "alice", VolumeID: "vol-snaps"})
		ExpectApplied(disk)
		ApplySnapshot("snap-old", "vol-snaps", ec2types.SnapshotStateCompleted, fakeClock.Now().UTC().Add(-time.Hour))
		ApplySnapshot("snap-new", "vol-snaps", ec2types.SnapshotStateCompleted, fakeClock.Now().UTC())
		ApplySnapshot("snap-pending", "vol-snaps", ec2types.SnapshotStatePending, fakeClock.Now().UTC())

		ExpectReconciled()
		synced, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(Succeed())
		Expect(synced.SnapshotCount).To(Equal(int32(2)))
		Expect(synced.PendingSnapshotCount).To(Equal(int32(1)))
		Expect(synced.LastSnapshotID).To(Equal("snap-new"))
	})
})
