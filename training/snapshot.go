package training

import (
	"github.com/pkg/errors"

	"github.com/AMP4323/mesh-transformer-jax/optimizations"
	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/precision"
	"github.com/AMP4323/mesh-transformer-jax/transformer"
)

// Snapshot is a self-contained copy of both tiers. Fields are exported so
// the checkpoint package can gob-encode it.
type Snapshot struct {
	Config  params.Config
	Step    int
	Pending int

	Params []precision.Tree // accelerator, per shard
	Accum  []precision.Tree // accelerator, per shard
	Host   []precision.Tree // wide, per shard

	OptState optimizations.State
}

func (s *State) Snapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	// optimizer states are replaced, never mutated, so sharing is safe
	return &Snapshot{
		Config:   s.cfg,
		Step:     s.step,
		Pending:  s.pending,
		Params:   cloneAll(s.params),
		Accum:    cloneAll(s.accum),
		Host:     cloneAll(s.host),
		OptState: s.optState,
	}, nil
}

// Restore loads snap into s. The accelerator parameters are recast from the
// snapshot's host parameters, so both tiers agree afterwards.
func (s *State) Restore(snap *Snapshot) error {
	if snap == nil {
		return errors.New("restore: nil snapshot")
	}
	if snap.Config.Mesh != s.cfg.Mesh || snap.Config.Model != s.cfg.Model {
		return errors.Wrapf(params.ErrShapeMismatch, "snapshot topology %+v %+v, state %+v %+v",
			snap.Config.Mesh, snap.Config.Model, s.cfg.Mesh, s.cfg.Model)
	}
	if len(snap.Host) != s.cfg.Mesh.Shards {
		return errors.Wrapf(params.ErrShapeMismatch, "snapshot has %d host shards", len(snap.Host))
	}
	for i, t := range snap.Host {
		if err := transformer.CheckShard(s.cfg.Model, s.cfg.Mesh.Shards, t.Dense()); err != nil {
			return errors.WithMessagef(err, "snapshot shard %d", i)
		}
	}

	host := precision.CastShards(cloneAll(snap.Host), precision.Wide)
	if snap.OptState != nil {
		if err := optimizations.CheckState(s.opt.Init(views(host)), snap.OptState); err != nil {
			return errors.WithMessage(err, "snapshot optimizer state")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = host
	s.params = s.cast(s.host)
	if len(snap.Accum) == len(s.params) {
		s.accum = precision.CastShards(cloneAll(snap.Accum), s.dtype)
	} else {
		s.accum = zeros(s.params, s.dtype)
	}
	s.step, s.pending = snap.Step, snap.Pending
	if snap.Accum == nil {
		s.pending = 0
	}
	s.optState = snap.OptState
	if s.optState == nil {
		s.optState = s.opt.Init(views(s.host))
	}
	s.ready = true
	return nil
}
