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

package cluster

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/gpu-dev/reservoir/pkg/apis/v1"
	rescache "github.com/gpu-dev/reservoir/pkg/cache"
)

const nodesCacheKey = "cluster:nodes"

// Node is the scheduling-relevant view of a cluster node. GPUCapacity is the
// advertised allocatable count, not the free count; callers subtract pod
// requests to compute what remains.
type Node struct {
	Name        string
	GPUType     string
	Zone        string
	Address     string
	GPUCapacity int32
	Ready       bool
	Schedulable bool
	Labels      map[string]string
}

type Provider interface {
	ListNodes(context.Context) ([]*Node, error)
	GetNode(context.Context, string) (*Node, error)
	ListPods(context.Context, string, map[string]string) ([]*corev1.Pod, error)
	GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error)
	CreatePod(context.Context, *corev1.Pod) (*corev1.Pod, error)
	DeletePod(ctx context.Context, namespace, name string, gracePeriod time.Duration) error
	GetService(ctx context.Context, namespace, name string) (*corev1.Service, error)
	CreateService(context.Context, *corev1.Service) (*corev1.Service, error)
	UpdateService(context.Context, *corev1.Service) (*corev1.Service, error)
	DeleteService(ctx context.Context, namespace, name string) error
	CreateJob(context.Context, *batchv1.Job) (*batchv1.Job, error)
	GetJob(ctx context.Context, namespace, name string) (*batchv1.Job, error)
	DeleteJob(ctx context.Context, namespace, name string) error
	PodEvents(ctx context.Context, namespace, name string) ([]corev1.Event, error)
	Exec(ctx context.Context, namespace, name, container string, stdin io.Reader, command ...string) (string, error)
	WriteFile(ctx context.Context, namespace, name, container, path string, data []byte) error
	AppendFile(ctx context.Context, namespace, name, container, path string, data []byte) error
}

type DefaultProvider struct {
	sync.Mutex

	kubeClient kubernetes.Interface
	restConfig *rest.Config
	cache      *cache.Cache
	cm         *rescache.ChangeMonitor
}

func NewDefaultProvider(kubeClient kubernetes.Interface, restConfig *rest.Config, cache *cache.Cache) *DefaultProvider {
	return &DefaultProvider{
		kubeClient: kubeClient,
		restConfig: restConfig,
		cache:      cache,
		cm:         rescache.NewChangeMonitor(),
	}
}

// ListNodes returns the nodes labeled for reservations. Results are cached
// briefly since both the availability tracker and the processor list nodes on
// every pass.
func (p *DefaultProvider) ListNodes(ctx context.Context) ([]*Node, error) {
	p.Lock()
	defer p.Unlock()
	if cached, ok := p.cache.Get(nodesCacheKey); ok {
		return append([]*Node{}, cached.([]*Node)...), nil
	}
	nodeList, err := p.kubeClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: v1.LabelGPUType})
	if err != nil {
		return nil, fmt.Errorf("listing nodes, %w", err)
	}
	nodes := lo.Map(nodeList.Items, func(n corev1.Node, _ int) *Node { return NewNode(&n) })
	p.cache.Set(nodesCacheKey, nodes, rescache.NodeTTL)
	if p.cm.HasChanged("nodes", lo.Map(nodes, func(n *Node, _ int) string { return n.Name })) {
		log.FromContext(ctx).WithValues("count", len(nodes)).V(1).Info("discovered nodes")
	}
	return nodes, nil
}

func (p *DefaultProvider) GetNode(ctx context.Context, name string) (*Node, error) {
	node, err := p.kubeClient.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting node %s, %w", name, err)
	}
	return NewNode(node), nil
}

func (p *DefaultProvider) ListPods(ctx context.Context, namespace string, selector map[string]string) ([]*corev1.Pod, error) {
	podList, err := p.kubeClient.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods, %w", err)
	}
	return lo.ToSlicePtr(podList.Items), nil
}

func (p *DefaultProvider) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	return p.kubeClient.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
}

func (p *DefaultProvider) CreatePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	return p.kubeClient.CoreV1().Pods(pod.Namespace).Create(ctx, pod, metav1.CreateOptions{})
}

func (p *DefaultProvider) DeletePod(ctx context.Context, namespace, name string, gracePeriod time.Duration) error {
	return p.kubeClient.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: lo.ToPtr(int64(gracePeriod / time.Second)),
	})
}

func (p *DefaultProvider) GetService(ctx context.Context, namespace, name string) (*corev1.Service, error) {
	return p.kubeClient.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
}

func (p *DefaultProvider) CreateService(ctx context.Context, svc *corev1.Service) (*corev1.Service, error) {
	return p.kubeClient.CoreV1().Services(svc.Namespace).Create(ctx, svc, metav1.CreateOptions{})
}

func (p *DefaultProvider) UpdateService(ctx context.Context, svc *corev1.Service) (*corev1.Service, error) {
	return p.kubeClient.CoreV1().Services(svc.Namespace).Update(ctx, svc, metav1.UpdateOptions{})
}

func (p *DefaultProvider) DeleteService(ctx context.Context, namespace, name string) error {
	return p.kubeClient.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{})
}

func (p *DefaultProvider) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	return p.kubeClient.BatchV1().Jobs(job.Namespace).Create(ctx, job, metav1.CreateOptions{})
}

func (p *DefaultProvider) GetJob(ctx context.Context, namespace, name string) (*batchv1.Job, error) {
	return p.kubeClient.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
}

func (p *DefaultProvider) DeleteJob(ctx context.Context, namespace, name string) error {
	propagation := metav1.DeletePropagationBackground
	return p.kubeClient.BatchV1().Jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
}

func (p *DefaultProvider) PodEvents(ctx context.Context, namespace, name string) ([]corev1.Event, error) {
	eventList, err := p.kubeClient.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("involvedObject.kind=Pod,involvedObject.name=%s", name),
	})
	if err != nil {
		return nil, fmt.Errorf("listing events for pod %s/%s, %w", namespace, name, err)
	}
	return eventList.Items, nil
}

func NewNode(node *corev1.Node) *Node {
	gpus := node.Status.Allocatable[v1.ResourceNVIDIAGPU]
	return &Node{
		Name:        node.Name,
		GPUType:     node.Labels[v1.LabelGPUType],
		Zone:        node.Labels[corev1.LabelTopologyZone],
		Address:     nodeAddress(node),
		GPUCapacity: int32(gpus.Value()),
		Ready:       nodeReady(node),
		Schedulable: !node.Spec.Unschedulable,
		Labels:      node.Labels,
	}
}

// nodeAddress prefers the external IP so SSH endpoints work from outside the
// VPC, falling back to the internal IP for private clusters.
func nodeAddress(node *corev1.Node) string {
	for _, addressType := range []corev1.NodeAddressType{corev1.NodeExternalIP, corev1.NodeInternalIP} {
		for _, address := range node.Status.Addresses {
			if address.Type == addressType && address.Address != "" {
				return address.Address
			}
		}
	}
	return ""
}

func nodeReady(node *corev1.Node) bool {
	for _, condition := range node.Status.Conditions {
		if condition.Type == corev1.NodeReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}
