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

package imagebuild

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/distribution/reference"
	"github.com/samber/lo"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	"github.com/gpu-dev/reservoir/pkg/providers/cluster"
)

const (
	builderImage = "gcr.io/kaniko-project/executor:v1.23.2"
	contextDir   = "/home/dev"

	// buildDeadline bounds a runaway build; the job controller fails the job
	// past it and the reservation processor surfaces that to the user.
	buildDeadline = 30 * time.Minute
)

type Status string

const (
	StatusNotFound  Status = "not-found"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrInvalidImage marks an image reference that can never parse; retrying the
// message cannot fix it.
var ErrInvalidImage = errors.New("invalid image reference")

type Provider interface {
	// Ensure creates the build job for a reservation if it does not already
	// exist, so redeliveries of the same rebuild request converge on one job.
	Ensure(ctx context.Context, reservation *v1.Reservation, image string) error
	Status(ctx context.Context, reservation *v1.Reservation) (Status, error)
	Delete(ctx context.Context, reservation *v1.Reservation) error
}

type DefaultProvider struct {
	cluster   cluster.Provider
	namespace string
}

func NewDefaultProvider(cluster cluster.Provider, namespace string) *DefaultProvider {
	return &DefaultProvider{cluster: cluster, namespace: namespace}
}

func (p *DefaultProvider) Ensure(ctx context.Context, reservation *v1.Reservation, image string) error {
	if _, err := reference.ParseNormalizedNamed(image); err != nil {
		return fmt.Errorf("parsing image reference %q, %w", image, ErrInvalidImage)
	}
	job := p.buildJob(reservation, image)
	if _, err := p.cluster.CreateJob(ctx, job); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("creating image build job, %w", err)
	}
	return nil
}

func (p *DefaultProvider) Status(ctx context.Context, reservation *v1.Reservation) (Status, error) {
	job, err := p.cluster.GetJob(ctx, p.namespace, v1.ImageBuildJobName(reservation.ID))
	if err != nil {
		if apierrors.IsNotFound(err) {
			return StatusNotFound, nil
		}
		return "", fmt.Errorf("getting image build job, %w", err)
	}
	for _, condition := range job.Status.Conditions {
		if condition.Status != corev1.ConditionTrue {
			continue
		}
		switch condition.Type {
		case batchv1.JobComplete:
			return StatusSucceeded, nil
		case batchv1.JobFailed:
			return StatusFailed, nil
		}
	}
	return StatusRunning, nil
}

func (p *DefaultProvider) Delete(ctx context.Context, reservation *v1.Reservation) error {
	if err := p.cluster.DeleteJob(ctx, p.namespace, v1.ImageBuildJobName(reservation.ID)); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting image build job, %w", err)
	}
	return nil
}

// buildJob pins the builder to the reservation's head node so it can mount
// the same EBS home volume; attachment is per-node, not per-pod.
func (p *DefaultProvider) buildJob(reservation *v1.Reservation, image string) *batchv1.Job {
	home := corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}
	if reservation.VolumeID != "" {
		home = corev1.VolumeSource{
			AWSElasticBlockStore: &corev1.AWSElasticBlockStoreVolumeSource{
				VolumeID: reservation.VolumeID,
				FSType:   "ext4",
			},
		}
	}
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      v1.ImageBuildJobName(reservation.ID),
			Namespace: p.namespace,
			Labels: map[string]string{
				v1.LabelManaged:       v1.ManagedValue,
				v1.LabelReservationID: reservation.ID,
				v1.LabelUser:          reservation.User,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            lo.ToPtr(int32(1)),
			ActiveDeadlineSeconds:   lo.ToPtr(int64(buildDeadline.Seconds())),
			TTLSecondsAfterFinished: lo.ToPtr(int32(3600)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						v1.LabelManaged:       v1.ManagedValue,
						v1.LabelReservationID: reservation.ID,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					NodeName:      lo.FirstOrEmpty(reservation.NodeNames),
					Containers: []corev1.Container{{
						Name:  "builder",
						Image: builderImage,
						Args: []string{
							"--context=dir://" + contextDir,
							"--dockerfile=" + contextDir + "/Dockerfile",
							"--destination=" + image,
						},
						VolumeMounts: []corev1.VolumeMount{{Name: "home", MountPath: contextDir, ReadOnly: true}},
					}},
					Volumes: []corev1.Volume{{Name: "home", VolumeSource: home}},
				},
			},
		},
	}
}
