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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/httpstream"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Exec runs a command in a container and returns its stdout. It uses a
// websocket executor with SPDY fallback the same way kubectl does, so it works
// against API servers on either side of the streaming protocol migration.
func (p *DefaultProvider) Exec(ctx context.Context, namespace, name, container string, stdin io.Reader, command ...string) (string, error) {
	request := p.kubeClient.CoreV1().RESTClient().
		Post().
		Resource("pods").
		Name(name).
		Namespace(namespace).
		SubResource("exec")
	request.VersionedParams(&corev1.PodExecOptions{
		Stdin:     stdin != nil,
		Stdout:    true,
		Stderr:    true,
		TTY:       false,
		Container: container,
		Command:   command,
	}, scheme.ParameterCodec)

	spdyExecutor, err := remotecommand.NewSPDYExecutor(p.restConfig, http.MethodPost, request.URL())
	if err != nil {
		return "", fmt.Errorf("initializing spdy executor, %w", err)
	}
	websocketExecutor, err := remotecommand.NewWebSocketExecutor(p.restConfig, http.MethodGet, request.URL().String())
	if err != nil {
		return "", fmt.Errorf("initializing websocket executor, %w", err)
	}
	executor, err := remotecommand.NewFallbackExecutor(websocketExecutor, spdyExecutor, func(err error) bool {
		return httpstream.IsUpgradeFailure(err) || httpstream.IsHTTPSProxyError(err)
	})
	if err != nil {
		return "", fmt.Errorf("initializing fallback executor, %w", err)
	}

	var stdout, stderr bytes.Buffer
	if err := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	}); err != nil {
		if stderr.Len() > 0 {
			log.FromContext(ctx).WithValues("pod", fmt.Sprintf("%s/%s", namespace, name), "stderr", stderr.String()).V(1).Info("exec failed")
		}
		return stdout.String(), fmt.Errorf("executing in pod %s/%s, %w", namespace, name, err)
	}
	return stdout.String(), nil
}

// WriteFile replaces the file at path inside the container, creating parent
// directories as needed.
func (p *DefaultProvider) WriteFile(ctx context.Context, namespace, name, container, path string, data []byte) error {
	_, err := p.Exec(ctx, namespace, name, container, bytes.NewReader(data),
		"/bin/sh", "-c", fmt.Sprintf("mkdir -p %s && cat > %s", filepath.Dir(path), path))
	if err != nil {
		return fmt.Errorf("writing %s, %w", path, err)
	}
	return nil
}

// AppendFile appends to the file at path inside the container, creating parent
// directories as needed.
func (p *DefaultProvider) AppendFile(ctx context.Context, namespace, name, container, path string, data []byte) error {
	_, err := p.Exec(ctx, namespace, name, container, bytes.NewReader(data),
		"/bin/sh", "-c", fmt.Sprintf("mkdir -p %s && cat >> %s", filepath.Dir(path), path))
	if err != nil {
		return fmt.Errorf("appending to %s, %w", path, err)
	}
	return nil
}
