package vm

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Instance registry
// ---------------------------------------------------------------------------

// DefaultMaxInstances is the registry bound used when none is given.
const DefaultMaxInstances = 4

var (
	ErrRegistryFull = errors.New("vm: instance limit reached")
	ErrNoInstance   = errors.New("vm: no such instance")
	ErrDuplicateID  = errors.New("vm: instance id already registered")
	ErrInstanceBusy = errors.New("vm: instance is running")
)

// Registry owns a bounded set of instances and tracks which one is
// current. The host switches instances only between invocations. A
// Registry is not safe for concurrent use.
type Registry struct {
	max       int
	instances map[uuid.UUID]*Instance
	order     []uuid.UUID // creation order
	current   uuid.UUID
}

// NewRegistry creates a registry holding at most max instances.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = DefaultMaxInstances
	}
	return &Registry{max: max, instances: make(map[uuid.UUID]*Instance)}
}

// Create makes a new instance. The first instance becomes current.
func (r *Registry) Create(opts Options) (*Instance, error) {
	if len(r.instances) >= r.max {
		return nil, fmt.Errorf("%w (%d)", ErrRegistryFull, r.max)
	}
	in, err := New(opts)
	if err != nil {
		return nil, err
	}
	r.add(in)
	return in, nil
}

// Adopt registers an existing instance, such as one restored from an
// image.
func (r *Registry) Adopt(in *Instance) error {
	if _, ok := r.instances[in.id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, in.id)
	}
	if len(r.instances) >= r.max {
		return fmt.Errorf("%w (%d)", ErrRegistryFull, r.max)
	}
	r.add(in)
	return nil
}

func (r *Registry) add(in *Instance) {
	r.instances[in.id] = in
	r.order = append(r.order, in.id)
	if r.current == uuid.Nil {
		r.current = in.id
	}
}

// Get returns the instance with the given id.
func (r *Registry) Get(id uuid.UUID) (*Instance, bool) {
	in, ok := r.instances[id]
	return in, ok
}

// Current returns the current instance, or nil if the registry is empty.
func (r *Registry) Current() *Instance {
	return r.instances[r.current]
}

// Switch makes id the current instance. The outgoing instance must not be
// mid-invocation.
func (r *Registry) Switch(id uuid.UUID) error {
	in, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoInstance, id)
	}
	if cur := r.Current(); cur != nil && cur.running {
		return ErrInstanceBusy
	}
	r.current = in.id
	return nil
}

// Destroy closes an instance and releases its arena. Destroying the
// current instance makes the oldest remaining one current.
func (r *Registry) Destroy(id uuid.UUID) error {
	in, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoInstance, id)
	}
	if in.running {
		return ErrInstanceBusy
	}
	in.Close()
	delete(r.instances, id)
	r.order = slices.DeleteFunc(r.order, func(x uuid.UUID) bool { return x == id })
	if r.current == id {
		r.current = uuid.Nil
		if len(r.order) > 0 {
			r.current = r.order[0]
		}
	}
	return nil
}

// IDs returns the registered ids in creation order.
func (r *Registry) IDs() []uuid.UUID {
	return slices.Clone(r.order)
}

// Len returns the number of registered instances.
func (r *Registry) Len() int { return len(r.instances) }
