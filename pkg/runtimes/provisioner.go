package runtimes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgeops/foreman/pkg/runtime"
)

// Provisioner is the slice of the container runtime the pool manager
// consumes. ContainerdRuntime satisfies it; tests use FakeProvisioner.
type Provisioner interface {
	PullImage(ctx context.Context, imageRef string) (string, error)
	StartRuntime(ctx context.Context, spec *runtime.Spec) (string, error)
	StopRuntime(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveRuntime(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) bool
	// ListRuntimeContainers maps runtime id -> container id for every
	// live pool-managed container.
	ListRuntimeContainers(ctx context.Context) (map[string]string, error)
}

type fakeContainer struct {
	runtimeID string
	running   bool
}

// FakeProvisioner is an in-memory Provisioner for tests
type FakeProvisioner struct {
	mu sync.Mutex

	// FailStarts makes StartRuntime fail when set
	FailStarts bool
	// PullErr fails PullImage when set
	PullErr error

	Pulled     []string
	containers map[string]*fakeContainer
	nextSerial int
}

// NewFakeProvisioner creates an empty fake
func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{containers: make(map[string]*fakeContainer)}
}

func (f *FakeProvisioner) PullImage(ctx context.Context, imageRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PullErr != nil {
		return "", f.PullErr
	}
	f.Pulled = append(f.Pulled, imageRef)
	return "sha256:fake-digest", nil
}

func (f *FakeProvisioner) StartRuntime(ctx context.Context, spec *runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStarts {
		return "", fmt.Errorf("start refused")
	}
	f.nextSerial++
	containerID := fmt.Sprintf("container-%d", f.nextSerial)
	f.containers[containerID] = &fakeContainer{runtimeID: spec.ID, running: true}
	return containerID, nil
}

func (f *FakeProvisioner) StopRuntime(ctx context.Context, containerID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.running = false
	}
	return nil
}

func (f *FakeProvisioner) RemoveRuntime(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *FakeProvisioner) IsRunning(ctx context.Context, containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	return ok && c.running
}

func (f *FakeProvisioner) ListRuntimeContainers(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for containerID, c := range f.containers {
		if c.running {
			out[c.runtimeID] = containerID
		}
	}
	return out, nil
}

// Running reports how many fake containers are live
func (f *FakeProvisioner) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.containers {
		if c.running {
			count++
		}
	}
	return count
}

// DropContainer simulates a container disappearing out from under the pool
func (f *FakeProvisioner) DropContainer(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
}
