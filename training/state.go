// Package training owns the two-tier training state: narrow parameters and
// the gradient accumulator on the mesh, wide parameters and the optimizer
// state on the host.
package training

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AMP4323/mesh-transformer-jax/mesh"
	"github.com/AMP4323/mesh-transformer-jax/optimizations"
	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/precision"
	"github.com/AMP4323/mesh-transformer-jax/transformer"
	"github.com/AMP4323/mesh-transformer-jax/utils"
)

// State is created Uninitialized; Initialize or Restore makes it Ready.
// All methods are safe for concurrent use; Train, Update and Restore are
// serialized, so no Train observes a half-applied update.
type State struct {
	cfg   params.Config
	mesh  *mesh.Mesh
	opt   optimizations.Transformation
	dtype precision.Dtype

	mu      sync.Mutex
	ready   bool
	params  []precision.Tree // accelerator, per shard
	accum   []precision.Tree // accelerator, per shard
	step    int
	pending int

	host     []precision.Tree // wide, per shard
	optState optimizations.State
}

func New(cfg params.Config, opt optimizations.Transformation) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := mesh.New(cfg.Mesh)
	if err != nil {
		return nil, err
	}
	dtype := precision.Narrow
	if cfg.Precision == params.PrecisionWide {
		dtype = precision.Wide
	}
	return &State{cfg: cfg, mesh: m, opt: opt, dtype: dtype}, nil
}

func (s *State) Config() params.Config { return s.cfg }

// ShardSeeds derives one independent seed per model shard from the global
// seed. The same seed and shard count always give the same seeds.
func ShardSeeds(seed uint64, shards int) []uint64 {
	master := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]uint64, shards)
	for i := range out {
		out[i] = master.Uint64()
	}
	return out
}

// Initialize draws fresh weights on every device and resets both tiers.
// sample only fixes the input shape; its contents are not trained on.
func (s *State) Initialize(ctx context.Context, seed uint64, sample Batch) error {
	if err := sample.Validate(s.cfg); err != nil {
		return errors.WithMessage(err, "sample batch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	S := s.cfg.Mesh.Shards
	seeds := ShardSeeds(seed, S)
	host := make([]precision.Tree, S)
	err := s.mesh.Run(ctx, func(dev *mesh.Device) error {
		w := transformer.InitShard(s.cfg.Model, S, rand.NewPCG(seeds[dev.Shard], uint64(dev.Shard)))
		// every replica builds the same shard; binding it checks the shapes
		if _, err := transformer.NewCausalTransformerShard(s.cfg.Model, dev.Model(), w, nil); err != nil {
			return err
		}
		if dev.Replica == 0 {
			host[dev.Shard] = w.ToTree(precision.Wide)
		}
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "initialize")
	}

	s.host = host
	s.params = s.cast(host)
	s.accum = zeros(s.params, s.dtype)
	s.step, s.pending = 0, 0
	s.optState = s.opt.Init(views(host))
	s.ready = true
	utils.Debugf("initialized %d shards, %d parameters (%s)", S, precision.Count(host), s.dtype)
	return nil
}

// cast produces fresh accelerator trees from host trees.
func (s *State) cast(host []precision.Tree) []precision.Tree {
	out := precision.CastShards(host, s.dtype)
	if s.dtype == precision.Wide {
		for i := range out {
			out[i] = out[i].Clone()
		}
	}
	return out
}

func zeros(trees []precision.Tree, dtype precision.Dtype) []precision.Tree {
	out := make([]precision.Tree, len(trees))
	for i, t := range trees {
		out[i] = t.ZerosLike(dtype)
	}
	return out
}

// views flattens wide trees shard-major in leaf order, sharing storage.
func views(trees []precision.Tree) []*mat.Dense {
	var out []*mat.Dense
	for _, t := range trees {
		for _, l := range t.Leaves() {
			out = append(out, t.Get(l).View())
		}
	}
	return out
}

func (s *State) checkReady() error {
	if !s.ready {
		return params.ErrUninitialized
	}
	return nil
}

// Train runs forward and backward on every device, averages the gradients
// over the data axis and adds them into the accumulator. It returns the
// per-token losses of all replicas, replica-major. Parameters are untouched.
func (s *State) Train(ctx context.Context, batch Batch) ([]float64, error) {
	if err := batch.Validate(s.cfg); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	_, M, T := batch.Shape()
	losses := make([]float64, batch.Tokens())
	next := make([]precision.Tree, s.cfg.Mesh.Shards)
	err := s.mesh.Run(ctx, func(dev *mesh.Device) error {
		w := s.params[dev.Shard].Dense()
		g := w.ZerosLike()
		model, err := transformer.NewCausalTransformerShard(s.cfg.Model, dev.Model(), w, g)
		if err != nil {
			return err
		}
		ls, err := model.ValueAndGrad(batch.Context[dev.Replica], batch.Target[dev.Replica])
		if err != nil {
			return err
		}
		if dev.Shard == 0 {
			copy(losses[dev.Replica*M*T:], ls)
		}

		buf := g.Flatten()
		dev.Data().Mean(buf)
		if dev.Replica == 0 {
			g.Unflatten(buf)
			acc := s.accum[dev.Shard].Clone()
			acc.AddDense(g)
			next[dev.Shard] = acc
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "train")
	}
	s.accum = next
	s.step++
	s.pending++
	return losses, nil
}

// Update applies the gradients accumulated since the previous update,
// dividing by the number of Train calls in between.
func (s *State) Update(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, s.pending)
}

// UpdateWithCount is Update for callers that track the accumulation count
// themselves; n must equal the number of Train calls since the last update.
func (s *State) UpdateWithCount(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	if n != s.pending {
		return errors.Wrapf(params.ErrAccumulationCountMismatch, "got %d, %d train calls pending", n, s.pending)
	}
	return s.update(ctx, n)
}

func (s *State) update(ctx context.Context, n int) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	if n == 0 {
		return params.ErrNothingAccumulated
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var grads []*mat.Dense
	for _, t := range s.accum {
		d := t.Dense()
		d.Scale(1 / float64(n))
		for _, l := range d.Leaves() {
			grads = append(grads, d.Get(l))
		}
	}
	host := make([]precision.Tree, len(s.host))
	for i, t := range s.host {
		host[i] = t.Clone()
	}
	p := views(host)
	if len(p) != len(grads) {
		return errors.Wrapf(params.ErrShapeMismatch, "%d gradients for %d parameters", len(grads), len(p))
	}
	optState := s.opt.Update(grads, s.optState, p)
	optimizations.ApplyUpdates(p, grads)

	s.host = host
	s.optState = optState
	s.params = s.cast(host)
	s.accum = zeros(s.params, s.dtype)
	utils.Debugf("update: applied %d accumulated steps at step %d", n, s.step)
	s.pending = 0
	return nil
}

// Sync rewrites the accelerator parameters from the host parameters.
func (s *State) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	s.params = s.cast(s.host)
	return nil
}

// Evaluate returns per-token losses without touching any state.
func (s *State) Evaluate(ctx context.Context, batch Batch) ([]float64, error) {
	if err := batch.Validate(s.cfg); err != nil {
		return nil, err
	}
	s.mu.Lock()
	trees := s.params
	err := s.checkReady()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	_, M, T := batch.Shape()
	losses := make([]float64, batch.Tokens())
	err = s.mesh.Run(ctx, func(dev *mesh.Device) error {
		model, err := transformer.NewCausalTransformerShard(s.cfg.Model, dev.Model(), trees[dev.Shard].Dense(), nil)
		if err != nil {
			return err
		}
		ls, err := model.Evaluate(batch.Context[dev.Replica], batch.Target[dev.Replica])
		if err != nil {
			return err
		}
		if dev.Shard == 0 {
			copy(losses[dev.Replica*M*T:], ls)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "evaluate")
	}
	return losses, nil
}

// Project returns full-vocabulary logits (vocab x T) per replica and
// example.
func (s *State) Project(ctx context.Context, contexts [][][]int) ([][]*mat.Dense, error) {
	if len(contexts) != s.cfg.Mesh.Replicas {
		return nil, errors.Wrapf(params.ErrShapeMismatch, "%d replica rows, mesh has %d", len(contexts), s.cfg.Mesh.Replicas)
	}
	s.mu.Lock()
	trees := s.params
	err := s.checkReady()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([][]*mat.Dense, len(contexts))
	err = s.mesh.Run(ctx, func(dev *mesh.Device) error {
		model, err := transformer.NewCausalTransformerShard(s.cfg.Model, dev.Model(), trees[dev.Shard].Dense(), nil)
		if err != nil {
			return err
		}
		logits, err := model.Project(contexts[dev.Replica])
		if err != nil {
			return err
		}
		if dev.Shard == 0 {
			out[dev.Replica] = logits
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "project")
	}
	return out, nil
}

func (s *State) Step() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Pending is the number of Train calls since the last update.
func (s *State) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *State) ParamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return precision.Count(s.host)
}

func cloneAll(trees []precision.Tree) []precision.Tree {
	if trees == nil {
		return nil
	}
	out := make([]precision.Tree, len(trees))
	for i, t := range trees {
		out[i] = t.Clone()
	}
	return out
}

// DeviceParams returns a copy of the accelerator parameters, per shard.
func (s *State) DeviceParams() []precision.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.params)
}

// HostParams returns a copy of the wide host parameters, per shard.
func (s *State) HostParams() []precision.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.host)
}
