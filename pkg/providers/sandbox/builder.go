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

package sandbox

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/imdario/mergo"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
)

const (
	homeDir            = "/home/dev"
	authorizedKeysPath = homeDir + "/.ssh/authorized_keys"
	homeVolumeName     = "home"
)

// reservedEnv are names a reservation may not override. Letting users clobber
// these breaks sshd or lets one image leak libraries into another.
var reservedEnv = []string{"PATH", "HOME", "USER", "SHELL", "SSH_AUTH_SOCK", "LD_PRELOAD", "LD_LIBRARY_PATH"}

func (p *DefaultProvider) buildPod(reservation *v1.Reservation, gpuType *v1.GPUType, index int, sshKeys []string) (*corev1.Pod, error) {
	image := lo.Ternary(reservation.Image != "", reservation.Image, p.defaultImage)
	env, err := sandboxEnv(reservation, index)
	if err != nil {
		return nil, err
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      PodName(reservation.ID, index),
			Namespace: p.namespace,
			Labels: map[string]string{
				v1.LabelManaged:       v1.ManagedValue,
				v1.LabelReservationID: reservation.ID,
				v1.LabelUser:          reservation.User,
				v1.LabelGPUType:       reservation.GPUType,
				v1.LabelIndex:         strconv.Itoa(index),
			},
		},
		Spec: corev1.PodSpec{
			NodeName:                      reservation.NodeNames[index],
			TerminationGracePeriodSeconds: lo.ToPtr(int64(deleteGracePeriod.Seconds())),
			Tolerations: []corev1.Toleration{{
				Key:      string(v1.ResourceNVIDIAGPU),
				Operator: corev1.TolerationOpExists,
			}},
			InitContainers: []corev1.Container{{
				Name:  "init-ssh",
				Image: image,
				Command: []string{"/bin/sh", "-c", fmt.Sprintf(
					`mkdir -p %[1]s/.ssh && printf '%%s\n' "$AUTHORIZED_KEYS" > %[1]s/.ssh/authorized_keys && chmod 700 %[1]s/.ssh && chmod 600 %[1]s/.ssh/authorized_keys`, homeDir)},
				Env: []corev1.EnvVar{{
					Name:  "AUTHORIZED_KEYS",
					Value: strings.Join(sshKeys, "\n"),
				}},
				VolumeMounts: []corev1.VolumeMount{{Name: homeVolumeName, MountPath: homeDir}},
			}},
			Containers: []corev1.Container{{
				Name:         v1.SandboxContainerName,
				Image:        image,
				Env:          env,
				Resources:    sandboxResources(reservation, gpuType),
				Ports:        sandboxPorts(reservation),
				VolumeMounts: []corev1.VolumeMount{{Name: homeVolumeName, MountPath: homeDir}},
			}},
			Volumes: []corev1.Volume{homeVolume(reservation, index)},
		},
	}
	return pod, nil
}

func (p *DefaultProvider) buildService(reservation *v1.Reservation) *corev1.Service {
	ports := []corev1.ServicePort{{
		Name:       "ssh",
		Port:       sshPort,
		TargetPort: intstr.FromInt32(sshPort),
		Protocol:   corev1.ProtocolTCP,
	}}
	if reservation.Interactive {
		ports = append(ports, interactiveServicePort())
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      v1.SandboxName(reservation.ID),
			Namespace: p.namespace,
			Labels: map[string]string{
				v1.LabelManaged:       v1.ManagedValue,
				v1.LabelReservationID: reservation.ID,
				v1.LabelUser:          reservation.User,
			},
		},
		Spec: corev1.ServiceSpec{
			Type:                  corev1.ServiceTypeNodePort,
			ExternalTrafficPolicy: corev1.ServiceExternalTrafficPolicyLocal,
			Selector:              v1.HeadSelector(reservation.ID),
			Ports:                 ports,
		},
	}
}

func interactiveServicePort() corev1.ServicePort {
	return corev1.ServicePort{
		Name:       "interactive",
		Port:       interactivePort,
		TargetPort: intstr.FromInt32(interactivePort),
		Protocol:   corev1.ProtocolTCP,
	}
}

// sandboxEnv merges the reservation's environment over the platform defaults.
// Reserved names are dropped from the user set before the merge.
func sandboxEnv(reservation *v1.Reservation, index int) ([]corev1.EnvVar, error) {
	env := map[string]string{
		"GPU_DEV_RESERVATION_ID": reservation.ID,
		"GPU_DEV_USER":           reservation.User,
		"GPU_DEV_GPU_TYPE":       reservation.GPUType,
	}
	if reservation.MultiNode() {
		env["GPU_DEV_NODE_INDEX"] = strconv.Itoa(index)
		env["GPU_DEV_NODE_COUNT"] = strconv.Itoa(len(reservation.NodeNames))
		env["GPU_DEV_HEAD_POD"] = PodName(reservation.ID, 0)
	}
	userEnv := lo.OmitByKeys(reservation.Env, reservedEnv)
	if err := mergo.Merge(&env, userEnv, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging sandbox env, %w", err)
	}
	vars := lo.MapToSlice(env, func(name, value string) corev1.EnvVar {
		return corev1.EnvVar{Name: name, Value: value}
	})
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars, nil
}

// sandboxResources requests the full node's GPUs for each pod of a multi-node
// reservation and the exact count otherwise. CPU-only sandboxes carry no
// resource requests; their packing is governed by slot accounting, not the
// kubelet.
func sandboxResources(reservation *v1.Reservation, gpuType *v1.GPUType) corev1.ResourceRequirements {
	gpus := reservation.GPUCount
	if reservation.MultiNode() {
		gpus = gpuType.GPUsPerNode
	}
	if gpus == 0 {
		return corev1.ResourceRequirements{}
	}
	quantity := *resource.NewQuantity(int64(gpus), resource.DecimalSI)
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{v1.ResourceNVIDIAGPU: quantity},
		Limits:   corev1.ResourceList{v1.ResourceNVIDIAGPU: quantity},
	}
}

func sandboxPorts(reservation *v1.Reservation) []corev1.ContainerPort {
	ports := []corev1.ContainerPort{{Name: "ssh", ContainerPort: sshPort, Protocol: corev1.ProtocolTCP}}
	if reservation.Interactive {
		ports = append(ports, corev1.ContainerPort{Name: "interactive", ContainerPort: interactivePort, Protocol: corev1.ProtocolTCP})
	}
	return ports
}

// homeVolume mounts the reservation's EBS volume on the head pod. Worker pods
// and diskless reservations get node-local scratch instead; EBS attaches to a
// single node at a time.
func homeVolume(reservation *v1.Reservation, index int) corev1.Volume {
	if reservation.VolumeID != "" && index == 0 {
		return corev1.Volume{
			Name: homeVolumeName,
			VolumeSource: corev1.VolumeSource{
				AWSElasticBlockStore: &corev1.AWSElasticBlockStoreVolumeSource{
					VolumeID: reservation.VolumeID,
					FSType:   "ext4",
				},
			},
		}
	}
	return corev1.Volume{
		Name:         homeVolumeName,
		VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
	}
}
