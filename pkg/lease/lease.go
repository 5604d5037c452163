package lease

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/forgeops/foreman/pkg/log"
	"github.com/forgeops/foreman/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Coordinator hands out named TTL leases backed by the store. It is the
// single-leader primitive: loops that must not run on two replicas at
// once acquire a lease before each cycle and reacquire before the TTL
// elapses. There is no refresh operation.
type Coordinator struct {
	store  storage.Store
	owner  string
	logger zerolog.Logger
}

// NewCoordinator creates a lease coordinator. The owner identity
// combines the host name with a random per-process id, so a restarted
// process never mistakes a stale lease for its own.
func NewCoordinator(store storage.Store) *Coordinator {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Coordinator{
		store:  store,
		owner:  fmt.Sprintf("%s/%s", host, uuid.New().String()[:8]),
		logger: log.WithComponent("lease"),
	}
}

// Owner returns this process's lease owner identity
func (c *Coordinator) Owner() string {
	return c.owner
}

// TryAcquire attempts to take the named lease for ttl. On success the
// returned handle gives the lease back through Release. Returns (nil, false)
// without error when another owner holds a live lease.
func (c *Coordinator) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Handle, bool, error) {
	acquired, err := c.store.TryAcquireLease(ctx, name, c.owner, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &Handle{coordinator: c, name: name}, true, nil
}

// Handle is a held lease. Release is best-effort and safe to call more
// than once.
type Handle struct {
	coordinator *Coordinator
	name        string
	released    bool
}

// Name returns the lease name
func (h *Handle) Name() string {
	return h.name
}

// Release gives the lease back. Errors are logged, never returned: a
// lease that cannot be released expires by TTL.
func (h *Handle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coordinator.store.ReleaseLease(ctx, h.name, h.coordinator.owner); err != nil {
		h.coordinator.logger.Warn().
			Err(err).
			Str("lease", h.name).
			Msg("Failed to release lease, will expire by TTL")
	}
}
