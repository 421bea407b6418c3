// Package registry holds the daemon's in-memory container state: one entry per
// active container, guarded by a single reader/writer lock. All lifecycle
// mutation funnels through the write lock; state queries take the read lock.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/vesselvm/vessel/internal/model"
	"github.com/vesselvm/vessel/internal/protocol"
)

// DefaultMinPort is the first vsock port handed out by an empty registry.
const DefaultMinPort uint32 = 1234

// Registry maps container IDs to container state. Ports are allocated
// max-plus-one above the highest live port, so they never collide and grow
// monotonically within a process lifetime (freed ports below the maximum are
// not reused).
type Registry struct {
	mu         sync.RWMutex
	containers map[string]*model.Container
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		containers: make(map[string]*model.Container),
	}
}

// Reserve inserts a new entry in status creating and allocates its vsock port.
// The reservation makes the port visible to concurrent creates before the
// guest round-trip completes; Commit or Abort must follow.
func (r *Registry) Reserve(id, bundle string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.containers[id]; ok {
		return 0, protocol.ErrContainerAlreadyExists
	}

	port := r.nextPortLocked()
	r.containers[id] = &model.Container{
		ID:        id,
		Bundle:    bundle,
		Status:    model.StatusCreating,
		VsockPort: port,
		CreatedAt: time.Now().UTC(),
	}
	return port, nil
}

// nextPortLocked scans live entries for the maximum port and returns max+1,
// or DefaultMinPort when the registry is empty. Caller holds the write lock.
func (r *Registry) nextPortLocked() uint32 {
	port := DefaultMinPort - 1
	for _, c := range r.containers {
		if c.VsockPort > port {
			port = c.VsockPort
		}
	}
	return port + 1
}

// Commit promotes a reservation from creating to created once the guest has
// acknowledged the connection.
func (r *Registry) Commit(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return protocol.ErrContainerNotFound
	}
	if c.Status != model.StatusCreating {
		return &protocol.UnexpectedStatusError{Status: c.Status}
	}
	c.Status = model.StatusCreated
	return nil
}

// Abort drops a reservation whose guest ack never arrived. Dropping an entry
// that already advanced past creating is refused.
func (r *Registry) Abort(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.containers[id]; ok && c.Status == model.StatusCreating {
		delete(r.containers, id)
	}
}

// Update runs fn with the named container under the write lock. If fn returns
// an error the container is left as fn modified it, so fn must mutate only on
// its success path.
func (r *Registry) Update(id string, fn func(c *model.Container) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return protocol.ErrContainerNotFound
	}
	return fn(c)
}

// View runs fn with a copy of the named container under the read lock.
func (r *Registry) View(id string, fn func(c model.Container) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.containers[id]
	if !ok {
		return protocol.ErrContainerNotFound
	}
	return fn(*c)
}

// Remove runs fn with the named container under the write lock and deletes the
// entry when fn returns nil. fn validates the removal and issues any guest
// commands that must precede it.
func (r *Registry) Remove(id string, fn func(c *model.Container) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return protocol.ErrContainerNotFound
	}
	if err := fn(c); err != nil {
		return err
	}
	delete(r.containers, id)
	return nil
}

// Len returns the number of registered containers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.containers)
}

// Snapshot returns a copy of all entries sorted by ID, for the read-only
// debug surface.
func (r *Registry) Snapshot() []model.Container {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
