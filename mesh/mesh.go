// Package mesh runs one goroutine per device of a replicas x shards grid in
// lockstep and provides the collectives the sharded layers synchronise on.
package mesh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/AMP4323/mesh-transformer-jax/params"
)

// ErrAborted is raised inside a collective when another device of the
// same run failed.
var ErrAborted = errors.New("mesh: run aborted by a peer device")

type Mesh struct {
	cfg params.MeshConfig
}

func New(cfg params.MeshConfig) (*Mesh, error) {
	if cfg.Replicas <= 0 || cfg.Shards <= 0 {
		return nil, errors.Wrapf(params.ErrShapeMismatch, "mesh %dx%d", cfg.Replicas, cfg.Shards)
	}
	return &Mesh{cfg: cfg}, nil
}

func (m *Mesh) Config() params.MeshConfig { return m.cfg }

// Device is one cell of the grid as seen from inside Run.
type Device struct {
	Replica int // index along the data axis
	Shard   int // index along the model axis

	data, model *Axis
}

// Data is the axis over replicas holding the same shard.
func (d *Device) Data() *Axis { return d.data }

// Model is the axis over shards of the same replica.
func (d *Device) Model() *Axis { return d.model }

func (d *Device) String() string { return fmt.Sprintf("device(r%d,s%d)", d.Replica, d.Shard) }

type run struct {
	aborted atomic.Bool
	groups  []*group

	mu    sync.Mutex
	cause error
}

func (r *run) fail(err error) {
	if !errors.Is(err, ErrAborted) {
		r.mu.Lock()
		if r.cause == nil {
			r.cause = err
		}
		r.mu.Unlock()
	}
	r.abort()
}

func (r *run) abort() {
	if r.aborted.Swap(true) {
		return
	}
	for _, g := range r.groups {
		g.wake()
	}
}

// Run executes fn on every device concurrently and waits for all of them.
// Any error or panic aborts the run and releases peers blocked in a
// collective; the first failure is returned.
func (m *Mesh) Run(ctx context.Context, fn func(dev *Device) error) error {
	R, S := m.cfg.Replicas, m.cfg.Shards
	rn := &run{}
	modelGroups := make([]*group, R)
	for r := range modelGroups {
		modelGroups[r] = newGroup(rn, S)
	}
	dataGroups := make([]*group, S)
	for s := range dataGroups {
		dataGroups[s] = newGroup(rn, R)
	}
	rn.groups = append(append(rn.groups, modelGroups...), dataGroups...)

	parent := ctx
	eg, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, rn.abort)
	defer stop()

	for r := 0; r < R; r++ {
		for s := 0; s < S; s++ {
			dev := &Device{
				Replica: r,
				Shard:   s,
				data:    &Axis{name: params.DataAxis, index: r, g: dataGroups[s]},
				model:   &Axis{name: params.ModelAxis, index: s, g: modelGroups[r]},
			}
			eg.Go(func() (err error) {
				defer func() {
					if p := recover(); p != nil {
						if e, ok := p.(error); ok {
							err = errors.WithMessagef(e, "%s", dev)
						} else {
							err = errors.Errorf("%s: panic: %v", dev, p)
						}
					}
					if err != nil {
						rn.fail(err)
					}
				}()
				return fn(dev)
			})
		}
	}
	err := eg.Wait()
	if rn.cause != nil {
		return rn.cause
	}
	if err != nil && parent.Err() != nil {
		return errors.WithMessage(parent.Err(), "mesh: run cancelled")
	}
	return err
}
