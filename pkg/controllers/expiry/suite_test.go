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

package expiry_test

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
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clock "k8s.io/utils/clock/testing"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	rescache "github.com/gpu-dev/reservoir/pkg/cache"
	"github.com/gpu-dev/reservoir/pkg/controllers/expiry"
	"github.com/gpu-dev/reservoir/pkg/controllers/termination"
	"github.com/gpu-dev/reservoir/pkg/fake"
	"github.com/gpu-dev/reservoir/pkg/operator/options"
	"github.com/gpu-dev/reservoir/pkg/providers/imagebuild"
	"github.com/gpu-dev/reservoir/pkg/providers/sandbox"
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
var sandboxProvider *sandbox.DefaultProvider
var controller *expiry.Controller

func TestExpiry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Expiry")
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
	sandboxProvider = sandbox.NewDefaultProvider(clusterProvider, opts.SandboxNamespace, opts.DefaultImage)
	imageBuildProvider := imagebuild.NewDefaultProvider(clusterProvider, opts.SandboxNamespace)
	terminator := termination.NewTerminator(db, fakeClock, volumeProvider, sandboxProvider, imageBuildProvider)
	controller = expiry.NewController(db, fakeClock, clusterProvider, volumeProvider, sandboxProvider, terminator)
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

func ExpectReservation(id string) *v1.Reservation {
	GinkgoHelper()
	reservation, err := db.GetReservation(ctx, id)
	Expect(err).To(Succeed())
	return reservation
}

// ExpectSandboxPod seeds the head pod of an active reservation so warning
// writes and teardowns have something to land on.
func ExpectSandboxPod(r *v1.Reservation) {
	GinkgoHelper()
	_, err := clusterProvider.CreatePod(ctx, test.SandboxPod(test.SandboxPodOptions{
		Name:          v1.SandboxName(r.ID),
		NodeName:      r.NodeNames[0],
		GPUs:          r.GPUCount,
		ReservationID: r.ID,
	}))
	Expect(err).To(Succeed())
}

func ApplyVolume(id, user, name string) {
	ec2api.Volumes.Store(id, ec2types.Volume{
		VolumeId:         aws.String(id),
		Size:             aws.Int32(100),
		AvailabilityZone: aws.String("us-west-2a"),
		State:            ec2types.VolumeStateAvailable,
		CreateTime:       aws.Time(fakeClock.Now().UTC().Add(-time.Hour)),
		Tags: []ec2types.Tag{
			{Key: aws.String(v1.TagManaged), Value: aws.String(v1.ManagedValue)},
			{Key: aws.String(v1.TagUser), Value: aws.String(user)},
			{Key: aws.String(v1.TagDiskName), Value: aws.String(name)},
		},
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

func snapshotCount() int {
	count := 0
	ec2api.Snapshots.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// activeExpiringIn builds a running reservation whose expiry is the given
// offset from now, negative meaning already past.
func activeExpiringIn(offset time.Duration, overrides ...test.ReservationOptions) *v1.Reservation {
	launchedAt := fakeClock.Now().UTC().Add(offset - 4*time.Hour)
	return test.ActiveReservation(launchedAt, overrides...)
}

var _ = Describe("Warnings", func() {
	It("should deliver the first warning when expiry comes within the configured window", func() {
		res := activeExpiringIn(25 * time.Minute)
		ExpectApplied(res)
		ExpectSandboxPod(res)

		ExpectReconciled()
		warned := ExpectReservation(res.ID)
		Expect(warned.WarningsSent).To(ConsistOf(int32(30)))
		Expect(lo.Values(clusterProvider.Files)).To(ContainElement(ContainSubstring("minutes_remaining")))
		Expect(lo.CountBy(warned.Events, func(e v1.Event) bool { return e.Type == v1.EventTypeWarning })).To(Equal(1))
	})

	It("should mark every crossed threshold with a single delivery", func() {
		res := activeExpiringIn(10 * time.Minute)
		ExpectApplied(res)
		ExpectSandboxPod(res)

		ExpectReconciled()
		warned := ExpectReservation(res.ID)
		Expect(warned.WarningsSent).To(ConsistOf(int32(30), int32(15)))
		Expect(lo.CountBy(warned.Events, func(e v1.Event) bool { return e.Type == v1.EventTypeWarning })).To(Equal(1))
	})

	It("should not repeat a warning that was already sent", func() {
		res := activeExpiringIn(25*time.Minute, test.ReservationOptions{WarningsSent: []int32{30}})
		ExpectApplied(res)
		ExpectSandboxPod(res)

		ExpectReconciled()
		Expect(ExpectReservation(res.ID).WarningsSent).To(ConsistOf(int32(30)))
		Expect(clusterProvider.Files).To(BeEmpty())
	})

	It("should retry an unreachable sandbox on the next tick", func() {
		res := activeExpiringIn(25 * time.Minute)
		ExpectApplied(res)

		ExpectReconciled()
		Expect(ExpectReservation(res.ID).WarningsSent).To(BeEmpty())
	})
})

var _ = Describe("Expiration", func() {
	BeforeEach(func() {
		ExpectApplied(test.GPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1"}))
	})

	It("should reclaim a reservation past expiry plus grace and promote a waiter", func() {
		user := test.User()
		res := activeExpiringIn(-5*time.Minute, test.ReservationOptions{
			User:     user.Username,
			GPUCount: 8,
			DiskName: v1.DefaultDiskName,
			VolumeID: "vol-expired",
		})
		disk := test.Disk(test.DiskOptions{User: user.Username, VolumeID: "vol-expired", Status: v1.DiskStatusInUse, InUseBy: res.ID})
		waiter := test.Reservation(test.ReservationOptions{GPUCount: 1, Status: v1.ReservationStatusQueued, CreatedAt: fakeClock.Now().UTC()})
		ExpectApplied(res, disk, waiter)
		ExpectSandboxPod(res)
		ApplyVolume("vol-expired", user.Username, v1.DefaultDiskName)

		ExpectReconciled()
		expired := ExpectReservation(res.ID)
		Expect(expired.Status).To(Equal(v1.ReservationStatusExpired))
		Expect(expired.EndedAt).ToNot(BeNil())
		_, ok := clusterProvider.Pod(opts.SandboxNamespace, v1.SandboxName(res.ID))
		Expect(ok).To(BeFalse())
		Expect(snapshotCount()).To(Equal(1))
		released, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(Succeed())
		Expect(released.Status).To(Equal(v1.DiskStatusAvailable))
		Expect(released.InUseBy).To(BeEmpty())
		_, promoted := db.Message(v1.PromotionMessageID(waiter.ID))
		Expect(promoted).To(BeTrue())
	})

	It("should leave a reservation inside the grace period running", func() {
		res := activeExpiringIn(-time.Minute)
		ExpectApplied(res)
		ExpectSandboxPod(res)

		ExpectReconciled()
		Expect(ExpectReservation(res.ID).Status).To(Equal(v1.ReservationStatusActive))
		_, ok := clusterProvider.Pod(opts.SandboxNamespace, v1.SandboxName(res.ID))
		Expect(ok).To(BeTrue())
	})
})

var _ = Describe("Stuck", func() {
	BeforeEach(func() {
		ExpectApplied(test.GPUType())
	})

	It("should fail a reservation wedged in preparing", func() {
		res := test.Reservation(test.ReservationOptions{
			Status:    v1.ReservationStatusPreparing,
			CreatedAt: fakeClock.Now().UTC().Add(-20 * time.Minute),
		})
		ExpectApplied(res)

		ExpectReconciled()
		failed := ExpectReservation(res.ID)
		Expect(failed.Status).To(Equal(v1.ReservationStatusFailed))
		Expect(failed.FailureReason).To(Equal("provisioning timed out"))
	})

	It("should cancel a waiter whose gpu type is no longer offered", func() {
		ExpectApplied(test.GPUType(test.GPUTypeOptions{Name: "v100", Inactive: true}))
		stale := test.Reservation(test.ReservationOptions{
			GPUType:   "v100",
			Status:    v1.ReservationStatusQueued,
			CreatedAt: fakeClock.Now().UTC().Add(-20 * time.Minute),
		})
		valid := test.Reservation(test.ReservationOptions{
			Status:    v1.ReservationStatusQueued,
			CreatedAt: fakeClock.Now().UTC().Add(-20 * time.Minute),
		})
		ExpectApplied(stale, valid)

		ExpectReconciled()
		cancelled := ExpectReservation(stale.ID)
		Expect(cancelled.Status).To(Equal(v1.ReservationStatusCancelled))
		Expect(cancelled.FailureReason).To(ContainSubstring("no longer offered"))
		Expect(ExpectReservation(valid.ID).Status).To(Equal(v1.ReservationStatusQueued))
	})

	It("should not touch a reservation that is still within the threshold", func() {
		res := test.Reservation(test.ReservationOptions{
			Status:    v1.ReservationStatusPreparing,
			CreatedAt: fakeClock.Now().UTC().Add(-5 * time.Minute),
		})
		ExpectApplied(res)

		ExpectReconciled()
		Expect(ExpectReservation(res.ID).Status).To(Equal(v1.ReservationStatusPreparing))
	})
})

var _ = Describe("Snapshots", func() {
	It("should prune each disk down to the newest retained snapshots", func() {
		disk := test.Disk(test.DiskOptions{User: "alice", VolumeID: "vol-snaps"})
		ExpectApplied(disk)
		for i := range 12 {
			ApplySnapshot(fmt.Sprintf("snap-%02d", i), "vol-snaps", ec2types.SnapshotStateCompleted, fakeClock.Now().UTC().Add(-time.Duration(i)*time.Hour))
		}

		ExpectReconciled()
		Expect(snapshotCount()).To(Equal(10))
		_, ok := ec2api.Snapshots.Load("snap-11")
		Expect(ok).To(BeFalse())
		_, ok = ec2api.Snapshots.Load("snap-10")
		Expect(ok).To(BeFalse())
		synced, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(Succeed())
		Expect(synced.SnapshotCount).To(Equal(int32(10)))
		Expect(synced.LastSnapshotID).To(Equal("snap-00"))
	})

	It("should move snapshots that finished since the last tick out of pending", func() {
		disk := test.Disk(test.DiskOptions{User: "alice", VolumeID: "vol-done"})
		disk.PendingSnapshotCount = 1
		ExpectApplied(disk)
		ApplySnapshot("snap-done", "vol-done", ec2types.SnapshotStateCompleted, fakeClock.Now().UTC())

		ExpectReconciled()
		synced, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(Succeed())
		Expect(synced.SnapshotCount).To(Equal(int32(1)))
		Expect(synced.PendingSnapshotCount).To(BeZero())
		Expect(synced.LastSnapshotID).To(Equal("snap-done"))
	})
})

var _ = Describe("OOM", func() {
	It("should log a kernel OOM kill into the activity log exactly once", func() {
		res := activeExpiringIn(2 * time.Hour)
		ExpectApplied(res)
		ExpectSandboxPod(res)
		clusterProvider.AddPodEvent(opts.SandboxNamespace, v1.SandboxName(res.ID), corev1.Event{
			Reason:        "OOMKilling",
			LastTimestamp: metav1.Time{Time: fakeClock.Now().UTC().Add(-5 * time.Minute)},
		})

		ExpectReconciled()
		ExpectReconciled()
		logged := ExpectReservation(res.ID)
		Expect(lo.CountBy(logged.Events, func(e v1.Event) bool { return e.Type == v1.EventTypeOOM })).To(Equal(1))
	})
})

var _ = Describe("Retention", func() {
	It("should hard-delete a disk past the soft-delete retention window", func() {
		ApplyVolume("vol-retired", "alice", "home")
		disk := test.Disk(test.DiskOptions{
			User:          "alice",
			VolumeID:      "vol-retired",
			Status:        v1.DiskStatusSoftDeleted,
			SoftDeletedAt: lo.ToPtr(fakeClock.Now().UTC().Add(-31 * 24 * time.Hour)),
		})
		ExpectApplied(disk)

		ExpectReconciled()
		_, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(MatchError(store.ErrNotFound))
		_, ok := ec2api.Volumes.Load("vol-retired")
		Expect(ok).To(BeFalse())
	})

	It("should keep a soft-deleted disk inside the retention window", func() {
		disk := test.Disk(test.DiskOptions{
			User:          "alice",
			Status:        v1.DiskStatusSoftDeleted,
			SoftDeletedAt: lo.ToPtr(fakeClock.Now().UTC().Add(-24 * time.Hour)),
		})
		ExpectApplied(disk)

		ExpectReconciled()
		kept, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(Succeed())
		Expect(kept.Status).To(Equal(v1.DiskStatusSoftDeleted))
	})
})
