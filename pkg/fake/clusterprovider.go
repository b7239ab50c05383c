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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/samber/lo"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/gpu-dev/reservoir/pkg/providers/cluster"
)

// ClusterProvider is an in-memory cluster.Provider. Created pods come up
// Running with ready containers immediately and services get node ports
// assigned, so the real sandbox and image build providers can run on top of
// it in tests. Tests that need a pod to be unready flip it through the
// exported hooks.
type ClusterProvider struct {
	mu sync.Mutex

	nodes    map[string]*cluster.Node
	pods     map[string]*corev1.Pod
	services map[string]*corev1.Service
	jobs     map[string]*batchv1.Job
	events   map[string][]corev1.Event

	// Files records every WriteFile and AppendFile by "namespace/pod/path".
	Files map[string]string
	// ExecCommands records every Exec invocation.
	ExecCommands [][]string
	// ExecOutput is returned from Exec when set.
	ExecOutput string

	// PodsComeUpReady controls whether created pods go straight to Running
	// with ready containers. Defaults to true.
	PodsComeUpReady bool
	// JobsComplete controls whether created jobs immediately carry the
	// JobComplete condition. Defaults to true.
	JobsComplete bool

	nextNodePort int32
	NextError    AtomicError
}

func NewClusterProvider() *ClusterProvider {
	p := &ClusterProvider{}
	p.Reset()
	return p
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (p *ClusterProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = map[string]*cluster.Node{}
	p.pods = map[string]*corev1.Pod{}
	p.services = map[string]*corev1.Service{}
	p.jobs = map[string]*batchv1.Job{}
	p.events = map[string][]corev1.Event{}
	p.Files = map[string]string{}
	p.ExecCommands = nil
	p.ExecOutput = ""
	p.PodsComeUpReady = true
	p.JobsComplete = true
	p.nextNodePort = 30000
	p.NextError.Reset()
}

// AddNode seeds a node into the fake cluster.
func (p *ClusterProvider) AddNode(node *cluster.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *node
	p.nodes[node.Name] = &cp
}

// RemoveNode drops a node, simulating a scale-down.
func (p *ClusterProvider) RemoveNode(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, name)
}

// AddPodEvent seeds a kubelet event for a pod, e.g. an OOM kill.
func (p *ClusterProvider) AddPodEvent(namespace, name string, event corev1.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[key(namespace, name)] = append(p.events[key(namespace, name)], event)
}

// SetPodReady flips an existing pod to Running with every container ready,
// for tests that create pods with PodsComeUpReady disabled.
func (p *ClusterProvider) SetPodReady(namespace, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pod, ok := p.pods[key(namespace, name)]; ok {
		pod.Status.Phase = corev1.PodRunning
		pod.Status.ContainerStatuses = lo.Map(pod.Spec.Containers, func(c corev1.Container, _ int) corev1.ContainerStatus {
			return corev1.ContainerStatus{Name: c.Name, Ready: true}
		})
	}
}

// SetContainerWaiting parks every container of an existing pod in the given
// waiting state, e.g. ImagePullBackOff.
func (p *ClusterProvider) SetContainerWaiting(namespace, name, reason, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pod, ok := p.pods[key(namespace, name)]; ok {
		pod.Status.Phase = corev1.PodPending
		pod.Status.ContainerStatuses = lo.Map(pod.Spec.Containers, func(c corev1.Container, _ int) corev1.ContainerStatus {
			return corev1.ContainerStatus{
				Name:  c.Name,
				Image: c.Image,
				State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: reason, Message: message}},
			}
		})
	}
}

// Pod returns the stored pod, for assertions.
func (p *ClusterProvider) Pod(namespace, name string) (*corev1.Pod, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pod, ok := p.pods[key(namespace, name)]
	if !ok {
		return nil, false
	}
	return pod.DeepCopy(), true
}

// Service returns the stored service, for assertions.
func (p *ClusterProvider) Service(namespace, name string) (*corev1.Service, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc, ok := p.services[key(namespace, name)]
	if !ok {
		return nil, false
	}
	return svc.DeepCopy(), true
}

// Job returns the stored job, for assertions.
func (p *ClusterProvider) Job(namespace, name string) (*batchv1.Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[key(namespace, name)]
	if !ok {
		return nil, false
	}
	return job.DeepCopy(), true
}

// FailJob flips an existing build job to failed.
func (p *ClusterProvider) FailJob(namespace, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job, ok := p.jobs[key(namespace, name)]; ok {
		job.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: corev1.ConditionTrue}}
	}
}

func (p *ClusterProvider) ListNodes(ctx context.Context) ([]*cluster.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	return lo.Map(lo.Values(p.nodes), func(n *cluster.Node, _ int) *cluster.Node {
		cp := *n
		return &cp
	}), nil
}

func (p *ClusterProvider) GetNode(ctx context.Context, name string) (*cluster.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	node, ok := p.nodes[name]
	if !ok {
		return nil, notFound("nodes", name)
	}
	cp := *node
	return &cp, nil
}

func (p *ClusterProvider) ListPods(ctx context.Context, namespace string, selector map[string]string) ([]*corev1.Pod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	return lo.FilterMap(lo.Values(p.pods), func(pod *corev1.Pod, _ int) (*corev1.Pod, bool) {
		if pod.Namespace != namespace || !matchesSelector(pod.Labels, selector) {
			return nil, false
		}
		return pod.DeepCopy(), true
	}), nil
}

func (p *ClusterProvider) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	pod, ok := p.pods[key(namespace, name)]
	if !ok {
		return nil, notFound("pods", name)
	}
	return pod.DeepCopy(), nil
}

func (p *ClusterProvider) CreatePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	if _, ok := p.pods[key(pod.Namespace, pod.Name)]; ok {
		return nil, alreadyExists("pods", pod.Name)
	}
	cp := pod.DeepCopy()
	if p.PodsComeUpReady {
		cp.Status.Phase = corev1.PodRunning
		cp.Status.ContainerStatuses = lo.Map(cp.Spec.Containers, func(c corev1.Container, _ int) corev1.ContainerStatus {
			return corev1.ContainerStatus{Name: c.Name, Ready: true}
		})
	} else {
		cp.Status.Phase = corev1.PodPending
	}
	p.pods[key(cp.Namespace, cp.Name)] = cp
	return cp.DeepCopy(), nil
}

func (p *ClusterProvider) DeletePod(ctx context.Context, namespace, name string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return err
	}
	if _, ok := p.pods[key(namespace, name)]; !ok {
		return notFound("pods", name)
	}
	delete(p.pods, key(namespace, name))
	return nil
}

func (p *ClusterProvider) GetService(ctx context.Context, namespace, name string) (*corev1.Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	svc, ok := p.services[key(namespace, name)]
	if !ok {
		return nil, notFound("services", name)
	}
	return svc.DeepCopy(), nil
}

func (p *ClusterProvider) CreateService(ctx context.Context, svc *corev1.Service) (*corev1.Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	if _, ok := p.services[key(svc.Namespace, svc.Name)]; ok {
		return nil, alreadyExists("services", svc.Name)
	}
	cp := svc.DeepCopy()
	p.assignNodePorts(cp)
	p.services[key(cp.Namespace, cp.Name)] = cp
	return cp.DeepCopy(), nil
}

func (p *ClusterProvider) UpdateService(ctx context.Context, svc *corev1.Service) (*corev1.Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	if _, ok := p.services[key(svc.Namespace, svc.Name)]; !ok {
		return nil, notFound("services", svc.Name)
	}
	cp := svc.DeepCopy()
	p.assignNodePorts(cp)
	p.services[key(cp.Namespace, cp.Name)] = cp
	return cp.DeepCopy(), nil
}

func (p *ClusterProvider) DeleteService(ctx context.Context, namespace, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return err
	}
	if _, ok := p.services[key(namespace, name)]; !ok {
		return notFound("services", name)
	}
	delete(p.services, key(namespace, name))
	return nil
}

func (p *ClusterProvider) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	if _, ok := p.jobs[key(job.Namespace, job.Name)]; ok {
		return nil, alreadyExists("jobs", job.Name)
	}
	cp := job.DeepCopy()
	if p.JobsComplete {
		cp.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}
	}
	p.jobs[key(cp.Namespace, cp.Name)] = cp
	return cp.DeepCopy(), nil
}

func (p *ClusterProvider) GetJob(ctx context.Context, namespace, name string) (*batchv1.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	job, ok := p.jobs[key(namespace, name)]
	if !ok {
		return nil, notFound("jobs", name)
	}
	return job.DeepCopy(), nil
}

func (p *ClusterProvider) DeleteJob(ctx context.Context, namespace, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return err
	}
	if _, ok := p.jobs[key(namespace, name)]; !ok {
		return notFound("jobs", name)
	}
	delete(p.jobs, key(namespace, name))
	return nil
}

func (p *ClusterProvider) PodEvents(ctx context.Context, namespace, name string) ([]corev1.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return nil, err
	}
	return append([]corev1.Event{}, p.events[key(namespace, name)]...), nil
}

func (p *ClusterProvider) Exec(ctx context.Context, namespace, name, container string, stdin io.Reader, command ...string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return "", err
	}
	if _, ok := p.pods[key(namespace, name)]; !ok {
		return "", notFound("pods", name)
	}
	p.ExecCommands = append(p.ExecCommands, command)
	return p.ExecOutput, nil
}

func (p *ClusterProvider) WriteFile(ctx context.Context, namespace, name, container, path string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return err
	}
	if _, ok := p.pods[key(namespace, name)]; !ok {
		return notFound("pods", name)
	}
	p.Files[key(namespace, name)+"/"+path] = string(data)
	return nil
}

func (p *ClusterProvider) AppendFile(ctx context.Context, namespace, name, container, path string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.NextError.Get(); err != nil {
		return err
	}
	if _, ok := p.pods[key(namespace, name)]; !ok {
		return notFound("pods", name)
	}
	p.Files[key(namespace, name)+"/"+path] += string(data)
	return nil
}

func (p *ClusterProvider) assignNodePorts(svc *corev1.Service) {
	if svc.Spec.Type != corev1.ServiceTypeNodePort {
		return
	}
	for i := range svc.Spec.Ports {
		if svc.Spec.Ports[i].NodePort == 0 {
			svc.Spec.Ports[i].NodePort = p.nextNodePort
			p.nextNodePort++
		}
	}
}

func key(namespace, name string) string {
	return fmt.Sprintf("%s/%s", namespace, name)
}

func matchesSelector(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func notFound(resource, name string) error {
	return apierrors.NewNotFound(schema.GroupResource{Resource: resource}, name)
}

func alreadyExists(resource, name string) error {
	return apierrors.NewAlreadyExists(schema.GroupResource{Resource: resource}, name)
}
