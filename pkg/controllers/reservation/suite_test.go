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

package reservation_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	clock "k8s.io/utils/clock/testing"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	rescache "github.com/gpu-dev/reservoir/pkg/cache"
	"github.com/gpu-dev/reservoir/pkg/controllers/reservation"
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
var imageBuildProvider *imagebuild.DefaultProvider
var controller *reservation.Controller

func TestReservation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reservation")
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
	opts.BatchSize = 10
	ctx = options.ToContext(context.Background(), opts)
	volumeProvider = volume.NewDefaultProvider(ec2api, cache.New(rescache.VolumeTTL, rescache.DefaultCleanupInterval))
	sandboxProvider = sandbox.NewDefaultProvider(clusterProvider, opts.SandboxNamespace, opts.DefaultImage)
	imageBuildProvider = imagebuild.NewDefaultProvider(clusterProvider, opts.SandboxNamespace)
	terminator := termination.NewTerminator(db, fakeClock, volumeProvider, sandboxProvider, imageBuildProvider)
	controller = reservation.NewController(db, fakeClock, clusterProvider, volumeProvider, sandboxProvider, imageBuildProvider, terminator)
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

func ExpectEnqueued(kind v1.MessageKind, reservationID string, payload any) *v1.Message {
	GinkgoHelper()
	msg, err := v1.NewMessage(kind, payload)
	Expect(err).To(Succeed())
	msg.ReservationID = reservationID
	Expect(db.Enqueue(ctx, msg)).To(Succeed())
	return msg
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

func ExpectDisk(user, name string) *v1.Disk {
	GinkgoHelper()
	disk, err := db.GetDiskByName(ctx, user, name)
	Expect(err).To(Succeed())
	return disk
}

func ExpectLaunched(r *v1.Reservation) *v1.Reservation {
	GinkgoHelper()
	ExpectEnqueued(v1.MessageKindCreate, r.ID, nil)
	ExpectReconciled()
	launched := ExpectReservation(r.ID)
	Expect(launched.Status).To(Equal(v1.ReservationStatusActive))
	return launched
}

func ExpectQueueEmpty() {
	GinkgoHelper()
	depth, err := db.QueueDepth(ctx)
	Expect(err).To(Succeed())
	Expect(depth).To(BeZero())
}

func snapshotCount() int {
	count := 0
	ec2api.Snapshots.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

var _ = Describe("Create", func() {
	var user *v1.User
	var res *v1.Reservation

	BeforeEach(func() {
		user = test.User()
		db.AddUser(user)
		ExpectApplied(test.GPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1"}))
		res = test.Reservation(test.ReservationOptions{User: user.Username, CreatedAt: fakeClock.Now().UTC()})
	})

	It("should launch a pending reservation when capacity is free", func() {
		ExpectApplied(res)
		launched := ExpectLaunched(res)
		Expect(launched.NodeNames).To(ConsistOf("node-1"))
		Expect(launched.SandboxName).To(Equal(v1.SandboxName(res.ID)))
		Expect(launched.SSHHost).ToNot(BeEmpty())
		Expect(launched.SSHPort).ToNot(BeZero())
		Expect(launched.LaunchedAt).ToNot(BeNil())
		Expect(launched.ExpiresAt.Sub(*launched.LaunchedAt)).To(Equal(4 * time.Hour))
		ExpectQueueEmpty()

		pod, ok := clusterProvider.Pod(opts.SandboxNamespace, v1.SandboxName(res.ID))
		Expect(ok).To(BeTrue())
		Expect(pod.Spec.NodeName).To(Equal("node-1"))
		_, ok = clusterProvider.Service(opts.SandboxNamespace, v1.SandboxName(res.ID))
		Expect(ok).To(BeTrue())
	})

	It("should create and claim the default disk on first launch", func() {
		ExpectApplied(res)
		launched := ExpectLaunched(res)
		disk := ExpectDisk(user.Username, v1.DefaultDiskName)
		Expect(disk.Status).To(Equal(v1.DiskStatusInUse))
		Expect(disk.InUseBy).To(Equal(res.ID))
		Expect(disk.VolumeID).ToNot(BeEmpty())
		Expect(disk.AZ).To(Equal("us-west-2a"))
		Expect(launched.VolumeID).To(Equal(disk.VolumeID))
		Expect(launched.DiskName).To(Equal(v1.DefaultDiskName))
		_, ok := ec2api.Volumes.Load(disk.VolumeID)
		Expect(ok).To(BeTrue())
	})

	It("should pack single-node requests onto the fullest node that fits", func() {
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-2"}))
		occupied := test.SandboxPod(test.SandboxPodOptions{NodeName: "node-2", GPUs: 7, ReservationID: "other"})
		_, err := clusterProvider.CreatePod(ctx, occupied)
		Expect(err).To(Succeed())

		ExpectApplied(res)
		launched := ExpectLaunched(res)
		Expect(launched.NodeNames).To(ConsistOf("node-2"))
	})

	It("should spread multi-node requests over the lowest-named empty nodes", func() {
		ExpectApplied(test.GPUType(test.GPUTypeOptions{MultiNode: true}))
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-2"}))
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-3"}))
		res = test.Reservation(test.ReservationOptions{User: user.Username, GPUCount: 16, CreatedAt: fakeClock.Now().UTC()})
		ExpectApplied(res)

		launched := ExpectLaunched(res)
		Expect(launched.NodeNames).To(Equal([]string{"node-1", "node-2"}))
		_, ok := clusterProvider.Pod(opts.SandboxNamespace, v1.SandboxName(res.ID))
		Expect(ok).To(BeTrue())
		_, ok = clusterProvider.Pod(opts.SandboxNamespace, fmt.Sprintf("%s-1", v1.SandboxName(res.ID)))
		Expect(ok).To(BeTrue())
	})

	It("should launch a cpu-only reservation against slot capacity", func() {
		ExpectApplied(test.CPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "cpu-1", GPUType: "cpu"}))
		res = test.Reservation(test.ReservationOptions{User: user.Username, GPUType: "cpu", CreatedAt: fakeClock.Now().UTC()})
		res.GPUCount = 0
		ExpectApplied(res)

		launched := ExpectLaunched(res)
		Expect(launched.NodeNames).To(ConsistOf("cpu-1"))
	})

	It("should fail a reservation for an unknown gpu type", func() {
		res.GPUType = "h100"
		ExpectApplied(res)
		ExpectEnqueued(v1.MessageKindCreate, res.ID, nil)
		ExpectReconciled()

		failed := ExpectReservation(res.ID)
		Expect(failed.Status).To(Equal(v1.ReservationStatusFailed))
		Expect(failed.FailureReason).To(ContainSubstring("unknown gpu type"))
		Expect(failed.EndedAt).ToNot(BeNil())
		ExpectQueueEmpty()
	})

	It("should fail a reservation with a gpu count outside the allowed sizes", func() {
		res.GPUCount = 3
		ExpectApplied(res)
		ExpectEnqueued(v1.MessageKindCreate, res.ID, nil)
		ExpectReconciled()
		Expect(ExpectReservation(res.ID).FailureReason).To(ContainSubstring("not one of the allowed sizes"))
	})

	It("should fail when the user is at the active cap", func() {
		ExpectApplied(
			test.Reservation(test.ReservationOptions{User: user.Username, Status: v1.ReservationStatusQueued}),
			test.Reservation(test.ReservationOptions{User: user.Username, Status: v1.ReservationStatusActive}),
			res,
		)
		ExpectEnqueued(v1.MessageKindCreate, res.ID, nil)
		ExpectReconciled()

		failed := ExpectReservation(res.ID)
		Expect(failed.Status).To(Equal(v1.ReservationStatusFailed))
		Expect(failed.FailureReason).To(ContainSubstring("the cap is 2"))
	})

	It("should park the reservation when nothing fits", func() {
		res.GPUCount = 8
		occupied := test.SandboxPod(test.SandboxPodOptions{NodeName: "node-1", GPUs: 8, ReservationID: "other"})
		_, err := clusterProvider.CreatePod(ctx, occupied)
		Expect(err).To(Succeed())
		ExpectApplied(res)
		ExpectEnqueued(v1.MessageKindCreate, res.ID, nil)
		ExpectReconciled()

		queued := ExpectReservation(res.ID)
		Expect(queued.Status).To(Equal(v1.ReservationStatusQueued))
		Expect(lo.FromPtr(queued.QueuePosition)).To(Equal(int32(1)))
		ExpectQueueEmpty()
	})

	It("should hold a message with a nack while the sandbox starts", func() {
		clusterProvider.PodsComeUpReady = false
		ExpectApplied(res)
		msg := ExpectEnqueued(v1.MessageKindCreate, res.ID, nil)
		ExpectReconciled()

		Expect(ExpectReservation(res.ID).Status).To(Equal(v1.ReservationStatusPreparing))
		_, stillQueued := db.Message(msg.ID)
		Expect(stillQueued).To(BeTrue())
		ExpectQueueEmpty()

		clusterProvider.SetPodReady(opts.SandboxNamespace, v1.SandboxName(res.ID))
		fakeClock.Step(16 * time.Second)
		ExpectReconciled()
		Expect(ExpectReservation(res.ID).Status).To(Equal(v1.ReservationStatusActive))
		ExpectQueueEmpty()
	})

	It("should fail a preparing reservation when the cluster rejects the sandbox", func() {
		res.Status = v1.ReservationStatusPreparing
		res.NodeNames = []string{"node-1"}
		res.NoPersistentDisk = true
		ExpectApplied(res)
		clusterProvider.NextError.Set(apierrors.NewBadRequest("Pod in version \"v1\" cannot be handled"))
		ExpectEnqueued(v1.MessageKindCreate, res.ID, nil)
		ExpectReconciled()

		failed := ExpectReservation(res.ID)
		Expect(failed.Status).To(Equal(v1.ReservationStatusFailed))
		Expect(failed.FailureReason).To(ContainSubstring("cluster rejected the sandbox"))
		Expect(failed.EndedAt).ToNot(BeNil())
		ExpectQueueEmpty()
	})

	It("should fail the reservation when the image cannot be pulled", func() {
		clusterProvider.PodsComeUpReady = false
		ExpectApplied(res)
		ExpectEnqueued(v1.MessageKindCreate, res.ID, nil)
		ExpectReconciled()
		Expect(ExpectReservation(res.ID).Status).To(Equal(v1.ReservationStatusPreparing))

		clusterProvider.SetContainerWaiting(opts.SandboxNamespace, v1.SandboxName(res.ID), "ImagePullBackOff", "Back-off pulling image")
		fakeClock.Step(16 * time.Second)
		ExpectReconciled()

		failed := ExpectReservation(res.ID)
		Expect(failed.Status).To(Equal(v1.ReservationStatusFailed))
		Expect(failed.FailureReason).To(ContainSubstring("Image pull failed"))
		Expect(failed.EndedAt).ToNot(BeNil())
		ExpectQueueEmpty()
	})

	It("should fail when the volume behind the disk no longer exists", func() {
		ExpectApplied(test.Disk(test.DiskOptions{
			User:     user.Username,
			VolumeID: "vol-missing",
			AZ:       "us-west-2a",
		}), res)
		ExpectEnqueued(v1.MessageKindCreate, res.ID, nil)
		ExpectReconciled()

		failed := ExpectReservation(res.ID)
		Expect(failed.Status).To(Equal(v1.ReservationStatusFailed))
		Expect(failed.FailureReason).To(ContainSubstring("no longer exists"))
		ExpectQueueEmpty()
	})

	It("should fail on a disk conflict unless the user confirmed", func() {
		ExpectApplied(test.Disk(test.DiskOptions{
			User:    user.Username,
			Status:  v1.DiskStatusInUse,
			InUseBy: "other-reservation",
		}), res)
		ExpectEnqueued(v1.MessageKindCreate, res.ID, nil)
		ExpectReconciled()

		failed := ExpectReservation(res.ID)
		Expect(failed.Status).To(Equal(v1.ReservationStatusFailed))
		Expect(failed.FailureReason).To(ContainSubstring("confirm to launch without it"))
	})

	It("should launch without the disk when the conflict was confirmed", func() {
		ExpectApplied(test.Disk(test.DiskOptions{
			User:    user.Username,
			Status:  v1.DiskStatusInUse,
			InUseBy: "other-reservation",
		}), res)
		ExpectEnqueued(v1.MessageKindCreate, res.ID, v1.CreatePayload{DiskConfirmed: true})
		ExpectReconciled()

		launched := ExpectReservation(res.ID)
		Expect(launched.Status).To(Equal(v1.ReservationStatusActive))
		Expect(launched.VolumeID).To(BeEmpty())
		Expect(ExpectDisk(user.Username, v1.DefaultDiskName).InUseBy).To(Equal("other-reservation"))
	})

	It("should fail when the disk lives in another availability zone", func() {
		ExpectApplied(test.Disk(test.DiskOptions{
			User:     user.Username,
			VolumeID: "vol-east",
			AZ:       "us-east-1a",
		}), res)
		ExpectEnqueued(v1.MessageKindCreate, res.ID, nil)
		ExpectReconciled()

		failed := ExpectReservation(res.ID)
		Expect(failed.Status).To(Equal(v1.ReservationStatusFailed))
		Expect(failed.FailureReason).To(ContainSubstring("lives in us-east-1a"))
	})

	It("should replay a create against an active reservation as a no-op", func() {
		ExpectApplied(res)
		ExpectLaunched(res)
		ExpectEnqueued(v1.MessageKindCreate, res.ID, nil)
		ExpectReconciled()

		Expect(ExpectReservation(res.ID).Status).To(Equal(v1.ReservationStatusActive))
		ExpectQueueEmpty()
	})

	It("should drop a create for a reservation that no longer exists", func() {
		ExpectEnqueued(v1.MessageKindCreate, "gone", nil)
		ExpectReconciled()
		ExpectQueueEmpty()
	})

	It("should drop a message of an unknown kind", func() {
		Expect(db.Enqueue(ctx, &v1.Message{Kind: "defragment", ReservationID: res.ID})).To(Succeed())
		ExpectReconciled()
		ExpectQueueEmpty()
	})
})

var _ = Describe("Cancel", func() {
	var user *v1.User
	var res *v1.Reservation

	BeforeEach(func() {
		user = test.User()
		db.AddUser(user)
		ExpectApplied(test.GPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1"}))
		res = test.Reservation(test.ReservationOptions{User: user.Username, CreatedAt: fakeClock.Now().UTC()})
	})

	It("should cancel an active reservation and release its footprint", func() {
		ExpectApplied(res)
		launched := ExpectLaunched(res)
		ExpectEnqueued(v1.MessageKindCancel, res.ID, nil)
		ExpectReconciled()

		cancelled := ExpectReservation(res.ID)
		Expect(cancelled.Status).To(Equal(v1.ReservationStatusCancelled))
		Expect(cancelled.EndedAt).ToNot(BeNil())
		_, ok := clusterProvider.Pod(opts.SandboxNamespace, v1.SandboxName(res.ID))
		Expect(ok).To(BeFalse())
		_, ok = clusterProvider.Service(opts.SandboxNamespace, v1.SandboxName(res.ID))
		Expect(ok).To(BeFalse())

		disk := ExpectDisk(user.Username, v1.DefaultDiskName)
		Expect(disk.Status).To(Equal(v1.DiskStatusAvailable))
		Expect(disk.InUseBy).To(BeEmpty())
		Expect(disk.PendingSnapshotCount).To(Equal(int32(1)))
		Expect(disk.LastSnapshotID).ToNot(BeEmpty())
		Expect(snapshotCount()).To(Equal(1))
		Expect(launched.VolumeID).ToNot(BeEmpty())
	})

	It("should skip the shutdown snapshot when asked", func() {
		ExpectApplied(res)
		ExpectLaunched(res)
		ExpectEnqueued(v1.MessageKindCancel, res.ID, v1.CancelPayload{SkipSnapshot: true})
		ExpectReconciled()

		Expect(ExpectReservation(res.ID).Status).To(Equal(v1.ReservationStatusCancelled))
		Expect(snapshotCount()).To(BeZero())
	})

	It("should take exactly one snapshot when a cancel replays", func() {
		ExpectApplied(res)
		ExpectLaunched(res)
		ExpectEnqueued(v1.MessageKindCancel, res.ID, nil)
		ExpectReconciled()
		ExpectEnqueued(v1.MessageKindCancel, res.ID, nil)
		ExpectReconciled()
		Expect(snapshotCount()).To(Equal(1))
	})

	It("should remove a parked waiter from the line", func() {
		res.Status = v1.ReservationStatusQueued
		ExpectApplied(res)
		ExpectEnqueued(v1.MessageKindCancel, res.ID, nil)
		ExpectReconciled()

		cancelled := ExpectReservation(res.ID)
		Expect(cancelled.Status).To(Equal(v1.ReservationStatusCancelled))
		Expect(cancelled.QueuePosition).To(BeNil())
		Expect(snapshotCount()).To(BeZero())
	})

	It("should promote a waiter when the cancellation frees capacity", func() {
		holder := test.Reservation(test.ReservationOptions{User: user.Username, GPUCount: 8, CreatedAt: fakeClock.Now().UTC()})
		ExpectApplied(holder)
		ExpectLaunched(holder)

		waiter := test.User()
		db.AddUser(waiter)
		queued := test.Reservation(test.ReservationOptions{
			User:      waiter.Username,
			GPUCount:  8,
			Status:    v1.ReservationStatusQueued,
			CreatedAt: fakeClock.Now().UTC(),
		})
		ExpectApplied(queued)

		ExpectEnqueued(v1.MessageKindCancel, holder.ID, nil)
		ExpectReconciled()
		Expect(ExpectReservation(holder.ID).Status).To(Equal(v1.ReservationStatusCancelled))
		_, promoted := db.Message(v1.PromotionMessageID(queued.ID))
		Expect(promoted).To(BeTrue())

		ExpectReconciled()
		Expect(ExpectReservation(queued.ID).Status).To(Equal(v1.ReservationStatusActive))
	})
})

var _ = Describe("Extend", func() {
	var user *v1.User
	var res *v1.Reservation

	BeforeEach(func() {
		user = test.User()
		db.AddUser(user)
		ExpectApplied(test.GPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1"}))
		res = test.Reservation(test.ReservationOptions{User: user.Username, CreatedAt: fakeClock.Now().UTC()})
		ExpectApplied(res)
	})

	It("should push the expiry out by the requested hours", func() {
		launched := ExpectLaunched(res)
		ExpectEnqueued(v1.MessageKindExtend, res.ID, v1.ExtendPayload{Hours: 2})
		ExpectReconciled()

		extended := ExpectReservation(res.ID)
		Expect(extended.ExpiresAt.Sub(*launched.ExpiresAt)).To(Equal(2 * time.Hour))
		Expect(extended.ExtensionCount).To(Equal(int32(1)))
		Expect(extended.DurationHours).To(Equal(6.0))
		Expect(extended.Events).To(ContainElement(HaveField("Type", v1.EventTypeExtended)))
	})

	It("should grant the default hours when the payload names none", func() {
		launched := ExpectLaunched(res)
		ExpectEnqueued(v1.MessageKindExtend, res.ID, nil)
		ExpectReconciled()
		Expect(ExpectReservation(res.ID).ExpiresAt.Sub(*launched.ExpiresAt)).To(Equal(24 * time.Hour))
	})

	It("should deny a second extension", func() {
		ExpectLaunched(res)
		ExpectEnqueued(v1.MessageKindExtend, res.ID, v1.ExtendPayload{Hours: 2})
		ExpectReconciled()
		first := ExpectReservation(res.ID)

		ExpectEnqueued(v1.MessageKindExtend, res.ID, v1.ExtendPayload{Hours: 2})
		ExpectReconciled()
		second := ExpectReservation(res.ID)
		Expect(second.ExpiresAt.Equal(*first.ExpiresAt)).To(BeTrue())
		Expect(second.ExtensionCount).To(Equal(int32(1)))
		Expect(second.Events).To(ContainElement(HaveField("Message", ContainSubstring("extended once"))))
	})

	It("should deny an extension beyond the maximum lifetime", func() {
		res = test.Reservation(test.ReservationOptions{User: user.Username, DurationHours: 40, CreatedAt: fakeClock.Now().UTC()})
		ExpectApplied(res)
		launched := ExpectLaunched(res)

		ExpectEnqueued(v1.MessageKindExtend, res.ID, v1.ExtendPayload{Hours: 10})
		ExpectReconciled()
		denied := ExpectReservation(res.ID)
		Expect(denied.ExpiresAt.Equal(*launched.ExpiresAt)).To(BeTrue())
		Expect(denied.ExtensionCount).To(BeZero())
		Expect(denied.Events).To(ContainElement(HaveField("Message", ContainSubstring("maximum"))))
	})

	It("should ignore an extend for a reservation that is not active", func() {
		ExpectEnqueued(v1.MessageKindExtend, res.ID, v1.ExtendPayload{Hours: 2})
		ExpectReconciled()
		Expect(ExpectReservation(res.ID).Status).To(Equal(v1.ReservationStatusPending))
		ExpectQueueEmpty()
	})
})

var _ = Describe("Interactive", func() {
	var res *v1.Reservation

	BeforeEach(func() {
		user := test.User()
		db.AddUser(user)
		ExpectApplied(test.GPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1"}))
		res = test.Reservation(test.ReservationOptions{User: user.Username, CreatedAt: fakeClock.Now().UTC()})
		ExpectApplied(res)
		ExpectLaunched(res)
	})

	It("should open and close the interactive port", func() {
		ExpectEnqueued(v1.MessageKindEnableInteractive, res.ID, nil)
		ExpectReconciled()
		enabled := ExpectReservation(res.ID)
		Expect(enabled.Interactive).To(BeTrue())
		Expect(enabled.InteractivePort).ToNot(BeZero())
		svc, ok := clusterProvider.Service(opts.SandboxNamespace, v1.SandboxName(res.ID))
		Expect(ok).To(BeTrue())
		Expect(svc.Spec.Ports).To(ContainElement(HaveField("Name", "interactive")))

		ExpectEnqueued(v1.MessageKindDisableInteractive, res.ID, nil)
		ExpectReconciled()
		disabled := ExpectReservation(res.ID)
		Expect(disabled.Interactive).To(BeFalse())
		Expect(disabled.InteractivePort).To(BeZero())
		svc, _ = clusterProvider.Service(opts.SandboxNamespace, v1.SandboxName(res.ID))
		Expect(svc.Spec.Ports).ToNot(ContainElement(HaveField("Name", "interactive")))
	})
})

var _ = Describe("AddUser", func() {
	var res *v1.Reservation
	var collaborator *v1.User

	BeforeEach(func() {
		user := test.User()
		db.AddUser(user)
		collaborator = test.User()
		ExpectApplied(test.GPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1"}))
		res = test.Reservation(test.ReservationOptions{User: user.Username, CreatedAt: fakeClock.Now().UTC()})
		ExpectApplied(res)
		ExpectLaunched(res)
	})

	It("should append the collaborator's keys to a live sandbox", func() {
		db.AddUser(collaborator)
		ExpectEnqueued(v1.MessageKindAddUser, res.ID, v1.AddUserPayload{User: collaborator.Username})
		ExpectReconciled()

		updated := ExpectReservation(res.ID)
		Expect(updated.Collaborators).To(ConsistOf(collaborator.Username))
		Expect(updated.Events).To(ContainElement(HaveField("Type", v1.EventTypeAccess)))
		Expect(lo.Values(clusterProvider.Files)).To(ContainElement(ContainSubstring(collaborator.SSHPublicKeys[0])))
	})

	It("should drop an add-user for an unknown collaborator", func() {
		ExpectEnqueued(v1.MessageKindAddUser, res.ID, v1.AddUserPayload{User: "nobody"})
		ExpectReconciled()
		Expect(ExpectReservation(res.ID).Collaborators).To(BeEmpty())
		ExpectQueueEmpty()
	})

	It("should not add the same collaborator twice", func() {
		db.AddUser(collaborator)
		ExpectEnqueued(v1.MessageKindAddUser, res.ID, v1.AddUserPayload{User: collaborator.Username})
		ExpectReconciled()
		ExpectEnqueued(v1.MessageKindAddUser, res.ID, v1.AddUserPayload{User: collaborator.Username})
		ExpectReconciled()
		Expect(ExpectReservation(res.ID).Collaborators).To(HaveLen(1))
	})
})

var _ = Describe("RebuildImage", func() {
	var res *v1.Reservation

	BeforeEach(func() {
		user := test.User()
		db.AddUser(user)
		ExpectApplied(test.GPUType())
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1"}))
		res = test.Reservation(test.ReservationOptions{User: user.Username, CreatedAt: fakeClock.Now().UTC()})
		ExpectApplied(res)
		ExpectLaunched(res)
	})

	It("should roll the sandbox onto the freshly built image", func() {
		ExpectEnqueued(v1.MessageKindRebuildImage, res.ID, v1.RebuildImagePayload{Image: "ghcr.io/acme/env:v2"})
		ExpectReconciled()

		rebuilt := ExpectReservation(res.ID)
		Expect(rebuilt.Image).To(Equal("ghcr.io/acme/env:v2"))
		Expect(rebuilt.Status).To(Equal(v1.ReservationStatusActive))
		Expect(rebuilt.Events).To(ContainElement(HaveField("Message", ContainSubstring("rebuilt onto"))))
		pod, ok := clusterProvider.Pod(opts.SandboxNamespace, v1.SandboxName(res.ID))
		Expect(ok).To(BeTrue())
		Expect(pod.Spec.Containers[0].Image).To(Equal("ghcr.io/acme/env:v2"))
		_, ok = clusterProvider.Job(opts.SandboxNamespace, v1.ImageBuildJobName(res.ID))
		Expect(ok).To(BeFalse())
		ExpectQueueEmpty()
	})

	It("should reject an unparseable image without failing the reservation", func() {
		ExpectEnqueued(v1.MessageKindRebuildImage, res.ID, v1.RebuildImagePayload{Image: "not a valid image!!"})
		ExpectReconciled()

		unchanged := ExpectReservation(res.ID)
		Expect(unchanged.Status).To(Equal(v1.ReservationStatusActive))
		Expect(unchanged.Image).To(BeEmpty())
		Expect(unchanged.Events).To(ContainElement(HaveField("Message", ContainSubstring("rejected"))))
		ExpectQueueEmpty()
	})

	It("should keep the sandbox on its old image when the build fails", func() {
		clusterProvider.JobsComplete = false
		msg := ExpectEnqueued(v1.MessageKindRebuildImage, res.ID, v1.RebuildImagePayload{Image: "ghcr.io/acme/env:v2"})
		ExpectReconciled()

		// Build still running; the message waits in the queue.
		_, stillQueued := db.Message(msg.ID)
		Expect(stillQueued).To(BeTrue())
		Expect(ExpectReservation(res.ID).Image).To(BeEmpty())

		clusterProvider.FailJob(opts.SandboxNamespace, v1.ImageBuildJobName(res.ID))
		fakeClock.Step(31 * time.Second)
		ExpectReconciled()

		unchanged := ExpectReservation(res.ID)
		Expect(unchanged.Image).To(BeEmpty())
		Expect(unchanged.Events).To(ContainElement(HaveField("Message", ContainSubstring("failed"))))
		_, ok := clusterProvider.Job(opts.SandboxNamespace, v1.ImageBuildJobName(res.ID))
		Expect(ok).To(BeFalse())
		ExpectQueueEmpty()
	})
})

var _ = Describe("Disks", func() {
	var user *v1.User

	BeforeEach(func() {
		user = test.User()
		db.AddUser(user)
		clusterProvider.AddNode(test.Node(test.NodeOptions{Name: "node-1"}))
	})

	It("should provision the volume behind an explicitly created disk", func() {
		disk := test.Disk(test.DiskOptions{User: user.Username, Name: "scratch", Status: v1.DiskStatusCreating})
		ExpectApplied(disk)
		msg, err := v1.NewMessage(v1.MessageKindDiskCreate, v1.DiskCreatePayload{Name: "scratch"})
		Expect(err).To(Succeed())
		msg.DiskID = disk.ID
		Expect(db.Enqueue(ctx, msg)).To(Succeed())
		ExpectReconciled()

		created := ExpectDisk(user.Username, "scratch")
		Expect(created.Status).To(Equal(v1.DiskStatusAvailable))
		Expect(created.VolumeID).ToNot(BeEmpty())
		Expect(created.AZ).To(Equal("us-west-2a"))
		_, ok := ec2api.Volumes.Load(created.VolumeID)
		Expect(ok).To(BeTrue())
		ExpectQueueEmpty()
	})

	It("should soft-delete a disk with a final safety snapshot", func() {
		vol, err := volumeProvider.Create(ctx, volume.CreateOptions{
			Name: "scratch", User: user.Username, SizeGB: 100, Zone: "us-west-2a",
		})
		Expect(err).To(Succeed())
		disk := test.Disk(test.DiskOptions{User: user.Username, Name: "scratch", VolumeID: vol.ID})
		ExpectApplied(disk)

		msg, err := v1.NewMessage(v1.MessageKindDiskDelete, nil)
		Expect(err).To(Succeed())
		msg.DiskID = disk.ID
		Expect(db.Enqueue(ctx, msg)).To(Succeed())
		ExpectReconciled()

		deleted, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(Succeed())
		Expect(deleted.Status).To(Equal(v1.DiskStatusSoftDeleted))
		Expect(deleted.SoftDeletedAt).ToNot(BeNil())
		Expect(deleted.LastSnapshotID).ToNot(BeEmpty())
		Expect(snapshotCount()).To(Equal(1))
		_, ok := ec2api.Volumes.Load(vol.ID)
		Expect(ok).To(BeFalse())
	})

	It("should skip the safety snapshot when asked", func() {
		vol, err := volumeProvider.Create(ctx, volume.CreateOptions{
			Name: "scratch", User: user.Username, SizeGB: 100, Zone: "us-west-2a",
		})
		Expect(err).To(Succeed())
		disk := test.Disk(test.DiskOptions{User: user.Username, Name: "scratch", VolumeID: vol.ID})
		ExpectApplied(disk)

		payload, err := json.Marshal(v1.DiskDeletePayload{SkipSnapshot: true})
		Expect(err).To(Succeed())
		Expect(db.Enqueue(ctx, &v1.Message{Kind: v1.MessageKindDiskDelete, DiskID: disk.ID, Payload: payload})).To(Succeed())
		ExpectReconciled()

		Expect(snapshotCount()).To(BeZero())
		_, ok := ec2api.Volumes.Load(vol.ID)
		Expect(ok).To(BeFalse())
	})

	It("should refuse to delete a disk attached to a reservation", func() {
		disk := test.Disk(test.DiskOptions{
			User:    user.Username,
			Status:  v1.DiskStatusInUse,
			InUseBy: "some-reservation",
		})
		ExpectApplied(disk)
		msg, err := v1.NewMessage(v1.MessageKindDiskDelete, nil)
		Expect(err).To(Succeed())
		msg.DiskID = disk.ID
		Expect(db.Enqueue(ctx, msg)).To(Succeed())
		ExpectReconciled()

		unchanged, err := db.GetDisk(ctx, disk.ID)
		Expect(err).To(Succeed())
		Expect(unchanged.Status).To(Equal(v1.DiskStatusInUse))
		ExpectQueueEmpty()
	})
})
