// Package driver runs the controller loops: the per-pool schedulers that
// drain the ready queue onto workers, the cancel and delete fan-outs, the
// instance reconciler and the completion ingest called from the REST
// handlers. The driver is single-instance; all durable state lives in the
// store and every mutation is a transactional procedure, so a crashed
// driver resumes from the store on restart.
package driver

import (
	"context"
	"sync"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchserv/batch"
	"github.com/remiges-tech/batchserv/config"
	"github.com/remiges-tech/batchserv/instpool"
	"github.com/remiges-tech/batchserv/logstore"
	"github.com/remiges-tech/batchserv/store"
	"github.com/remiges-tech/batchserv/workerclient"
)

// Driver owns the controller loops and the in-memory instance registry.
type Driver struct {
	store    *store.Store
	registry *instpool.Registry
	worker   *workerclient.Client
	logs     *logstore.LogStore
	cfg      *config.Config
	logger   *logharbour.Logger

	schedulerEvents map[string]*Event
	cancelEvent     *Event
	deleteEvent     *Event
}

// New creates a Driver for the configured pools.
func New(st *store.Store, worker *workerclient.Client, logs *logstore.LogStore,
	cfg *config.Config, logger *logharbour.Logger) *Driver {
	if logger == nil {
		panic("logger cannot be nil")
	}
	d := &Driver{
		store:           st,
		worker:          worker,
		logs:            logs,
		cfg:             cfg,
		logger:          logger,
		schedulerEvents: make(map[string]*Event),
		cancelEvent:     NewEvent(),
		deleteEvent:     NewEvent(),
	}
	for _, p := range cfg.Pools {
		d.schedulerEvents[p.Name] = NewEvent()
	}
	d.registry = instpool.New(logger, d.SignalSchedulers)
	return d
}

// Registry exposes the instance registry to the REST layer.
func (d *Driver) Registry() *instpool.Registry {
	return d.registry
}

// SignalSchedulers wakes every pool's scheduler loop.
func (d *Driver) SignalSchedulers() {
	for _, ev := range d.schedulerEvents {
		ev.Signal()
	}
}

// Run reloads the registry from the store and runs all loops until ctx is
// cancelled.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.reloadRegistry(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, p := range d.cfg.Pools {
		pool := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.schedulerLoop(ctx, pool)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.cancelLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.deleteLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reconcileLoop(ctx)
	}()

	d.logger.Info().LogActivity("driver started", map[string]any{
		"pools": len(d.cfg.Pools),
	})
	wg.Wait()
	return ctx.Err()
}

// reloadRegistry rebuilds the in-memory instance registry from the
// durable instance rows, recomputing free cores from live attempts. This
// is what makes the free-cores gauge accurate across a crash-restart.
func (d *Driver) reloadRegistry(ctx context.Context) error {
	rows, err := d.store.ListInstances(ctx)
	if err != nil {
		return err
	}

	used := make(map[string]int)
	insts := make([]instpool.Instance, 0, len(rows))
	for _, r := range rows {
		live, err := d.store.LiveAttemptsOnInstance(ctx, r.Name)
		if err != nil {
			return err
		}
		for _, la := range live {
			used[r.Name] += la.CoresMcpu
		}
		inst := instpool.Instance{
			Name:               r.Name,
			Pool:               r.Pool,
			State:              r.State,
			CoresMcpu:          r.CoresMcpu,
			FailedRequestCount: r.FailedRequestCount,
		}
		if r.IPAddress != nil {
			inst.IPAddress = *r.IPAddress
		}
		if r.LastHeartbeat != nil {
			inst.LastHeartbeat = *r.LastHeartbeat
		}
		insts = append(insts, inst)
	}
	d.registry.Reload(insts, used)
	return nil
}

// AddInstance records a new worker VM, pending until it activates.
func (d *Driver) AddInstance(ctx context.Context, name, pool string, coresMcpu int) error {
	if _, ok := d.cfg.Pool(pool); !ok {
		return store.Validationf("unknown pool %q", pool)
	}
	if err := d.store.InsertInstance(ctx, name, pool, coresMcpu); err != nil {
		return err
	}
	d.registry.Add(name, pool, coresMcpu)
	return nil
}

// ActivateInstance marks a worker ready for dispatch and wakes its pool's
// scheduler.
func (d *Driver) ActivateInstance(ctx context.Context, name, address string) error {
	if err := d.store.ActivateInstance(ctx, name, address); err != nil {
		return err
	}
	if !d.registry.Activate(name, address) {
		return store.ErrNotFound
	}
	return nil
}

// TouchInstance records a worker heartbeat.
func (d *Driver) TouchInstance(ctx context.Context, name string) error {
	if err := d.store.TouchInstance(ctx, name); err != nil {
		return err
	}
	d.registry.Touch(name, batch.TimeMsecs())
	return nil
}
