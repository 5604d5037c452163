package runtime

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace for Foreman runtimes
	DefaultNamespace = "foreman"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// RuntimeLabel marks containers managed by the runtime pool
	RuntimeLabel = "foreman.runtime-id"
)

// Spec describes one task-runtime container to provision
type Spec struct {
	ID              string
	ImageRef        string
	Env             []string
	Labels          map[string]string
	CPULimit        float64
	MemoryLimitMB   int64
	PidsLimit       int64
	ReadOnlyRootfs  bool
	NetworkDisabled bool
	// Mounts are added to the runtime as given (artifact and cache
	// directories); each mount's own options decide whether it is
	// read-only
	Mounts []specs.Mount
}

// ContainerdRuntime provisions task-runtime containers via containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls the runtime image and returns its digest
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}

	return image.Target().Digest.String(), nil
}

// StartRuntime creates and starts a task-runtime container
func (r *ContainerdRuntime) StartRuntime(ctx context.Context, spec *Spec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.ImageRef)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.ImageRef, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}

	if spec.CPULimit > 0 {
		// CPU shares: relative weight (1024 = 1 core)
		// CPU quota: period=100000 (100ms), quota=CPULimit*100000
		shares := uint64(spec.CPULimit * 1024)
		quota := int64(spec.CPULimit * 100000)
		period := uint64(100000)

		opts = append(opts, oci.WithCPUShares(shares))
		opts = append(opts, oci.WithCPUCFS(quota, period))
	}

	if spec.MemoryLimitMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimitMB)*1024*1024))
	}

	if spec.PidsLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(spec.PidsLimit))
	}

	if spec.ReadOnlyRootfs {
		opts = append(opts, oci.WithRootFSReadonly())
	}

	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}

	labels := map[string]string{RuntimeLabel: spec.ID}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	return container.ID(), nil
}

// StopRuntime stops a runtime container, escalating to SIGKILL after the
// grace timeout
func (r *ContainerdRuntime) StopRuntime(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
		// Task exited
	case <-stopCtx.Done():
		// Timeout - force kill
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// RemoveRuntime deletes a runtime container and its snapshot
func (r *ContainerdRuntime) RemoveRuntime(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		// Container might not exist
		return nil
	}

	if err := r.StopRuntime(ctx, containerID, 10*time.Second); err != nil {
		// Continue with deletion even when the stop failed
		fmt.Printf("Warning: failed to stop container before delete: %v\n", err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// IsRunning checks whether a runtime container has a running task
func (r *ContainerdRuntime) IsRunning(ctx context.Context, containerID string) bool {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return false
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return false
	}

	status, err := task.Status(ctx)
	if err != nil {
		return false
	}

	return status.Status == containerd.Running
}

// ListRuntimeContainers returns the container ids of every pool-managed
// container, keyed by runtime id
func (r *ContainerdRuntime) ListRuntimeContainers(ctx context.Context) (map[string]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make(map[string]string)
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		if runtimeID, ok := labels[RuntimeLabel]; ok {
			out[runtimeID] = c.ID()
		}
	}

	return out, nil
}
