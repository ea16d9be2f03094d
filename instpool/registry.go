// Package instpool keeps the in-memory mirror of the worker fleet: one
// record per instance with its pool, lifecycle state and a free-cores
// gauge. The registry is the only mutable in-memory state in the system;
// a single mutex serialises reservations and releases, and mutations that
// can make a stalled scheduler runnable again fire a change signal.
package instpool

import (
	"sort"
	"sync"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchserv/batch"
)

// Instance is a registry snapshot of one worker VM. Copies are handed
// out; the authoritative record stays inside the registry.
type Instance struct {
	Name               string
	Pool               string
	IPAddress          string
	State              batch.InstanceState
	CoresMcpu          int
	FreeCoresMcpu      int
	FailedRequestCount int
	LastHeartbeat      int64
}

// Registry is the instance pool registry.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance
	logger    *logharbour.Logger
	changed   func()
}

// New creates a Registry. changed is invoked (outside the lock) whenever
// capacity becomes available or an instance activates; it may be nil.
func New(logger *logharbour.Logger, changed func()) *Registry {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if changed == nil {
		changed = func() {}
	}
	return &Registry{
		instances: make(map[string]*Instance),
		logger:    logger,
		changed:   changed,
	}
}

// Reload replaces the registry contents from the durable instance rows,
// recomputing each free-cores gauge from the cores currently bound to
// live attempts. Called on startup and by the reconcile loop.
func (r *Registry) Reload(rows []Instance, usedMcpu map[string]int) {
	r.mu.Lock()
	r.instances = make(map[string]*Instance, len(rows))
	for _, row := range rows {
		inst := row
		inst.FreeCoresMcpu = inst.CoresMcpu - usedMcpu[inst.Name]
		if inst.FreeCoresMcpu < 0 {
			inst.FreeCoresMcpu = 0
		}
		r.instances[inst.Name] = &inst
	}
	r.mu.Unlock()
	r.changed()
}

// Add registers a new instance in the pending state.
func (r *Registry) Add(name, pool string, coresMcpu int) {
	r.mu.Lock()
	r.instances[name] = &Instance{
		Name:          name,
		Pool:          pool,
		State:         batch.InstanceStatePending,
		CoresMcpu:     coresMcpu,
		FreeCoresMcpu: coresMcpu,
	}
	r.mu.Unlock()
}

// Activate moves an instance to active; it becomes eligible for dispatch.
func (r *Registry) Activate(name, ipAddress string) bool {
	r.mu.Lock()
	inst, ok := r.instances[name]
	if ok {
		inst.State = batch.InstanceStateActive
		inst.IPAddress = ipAddress
	}
	r.mu.Unlock()
	if ok {
		r.changed()
	}
	return ok
}

// Deactivate moves an instance to inactive; it receives no new dispatch.
func (r *Registry) Deactivate(name string) bool {
	return r.setState(name, batch.InstanceStateInactive)
}

// Remove deletes an instance from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.instances, name)
	r.mu.Unlock()
}

func (r *Registry) setState(name string, state batch.InstanceState) bool {
	r.mu.Lock()
	inst, ok := r.instances[name]
	if ok {
		inst.State = state
	}
	r.mu.Unlock()
	return ok
}

// Get returns a snapshot of one instance.
func (r *Registry) Get(name string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// List returns snapshots of every instance, name-ordered.
func (r *Registry) List() []Instance {
	r.mu.Lock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Touch records a heartbeat and clears the failure counter.
func (r *Registry) Touch(name string, heartbeat int64) {
	r.mu.Lock()
	if inst, ok := r.instances[name]; ok {
		inst.LastHeartbeat = heartbeat
		inst.FailedRequestCount = 0
	}
	r.mu.Unlock()
}

// BumpFailures increments the failure counter and returns the new count.
func (r *Registry) BumpFailures(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[name]
	if !ok {
		return 0
	}
	inst.FailedRequestCount++
	return inst.FailedRequestCount
}

// SelectAndReserve picks an active instance in pool with at least
// coresMcpu free and reserves the cores against it in the same critical
// section, preventing double-dispatch within a scheduler iteration.
// Selection is first-fit over instances ordered (free cores ascending,
// name ascending): small jobs pack onto nearly-full instances first, and
// the name order makes ties deterministic.
func (r *Registry) SelectAndReserve(pool string, coresMcpu int) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Instance
	for _, inst := range r.instances {
		if inst.Pool == pool && inst.State == batch.InstanceStateActive && inst.FreeCoresMcpu >= coresMcpu {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return Instance{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].FreeCoresMcpu != candidates[j].FreeCoresMcpu {
			return candidates[i].FreeCoresMcpu < candidates[j].FreeCoresMcpu
		}
		return candidates[i].Name < candidates[j].Name
	})

	chosen := candidates[0]
	chosen.FreeCoresMcpu -= coresMcpu
	return *chosen, true
}

// Release returns reserved cores to an instance, after a completed or
// abandoned attempt, and wakes the scheduler.
func (r *Registry) Release(name string, coresMcpu int) {
	r.mu.Lock()
	if inst, ok := r.instances[name]; ok {
		inst.FreeCoresMcpu += coresMcpu
		if inst.FreeCoresMcpu > inst.CoresMcpu {
			inst.FreeCoresMcpu = inst.CoresMcpu
		}
	}
	r.mu.Unlock()
	r.changed()
}

// FreeCoresMcpu sums the free cores of the pool's active instances, for
// the scheduler gauges.
func (r *Registry) FreeCoresMcpu(pool string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, inst := range r.instances {
		if inst.Pool == pool && inst.State == batch.InstanceStateActive {
			total += int64(inst.FreeCoresMcpu)
		}
	}
	return total
}
