package optimizations

import (
	"encoding/gob"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/utils"
)

// State is the per-transformation optimizer state. Concrete types are
// registered with gob so snapshots can carry them.
type State any

// Transformation is a composable gradient transformation in the optax
// style. Update rewrites updates in place (they start as the gradients).
type Transformation interface {
	Init(params []*mat.Dense) State
	Update(updates []*mat.Dense, state State, params []*mat.Dense) State
}

// EmptyState marks stateless transformations. Not a struct: gob rejects
// structs without exported fields.
type EmptyState uint8

type ChainState []State

type CountState struct {
	Count int
}

// AdamState holds first and second moments, one matrix per parameter.
type AdamState struct {
	Count  int
	Mu, Nu []*mat.Dense
}

func init() {
	gob.Register(EmptyState(0))
	gob.Register(ChainState{})
	gob.Register(CountState{})
	gob.Register(AdamState{})
}

func zerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

// CheckState reports whether got can stand in for want, a state freshly
// built by the same transformation's Init: same chain layout, same state
// types and the same moment shapes.
func CheckState(want, got State) error {
	switch w := want.(type) {
	case ChainState:
		g, ok := got.(ChainState)
		if !ok {
			return errors.Wrapf(params.ErrShapeMismatch, "optimizer state %T, want chain", got)
		}
		if len(g) != len(w) {
			return errors.Wrapf(params.ErrShapeMismatch, "optimizer chain of %d states, want %d", len(g), len(w))
		}
		for i := range w {
			if err := CheckState(w[i], g[i]); err != nil {
				return errors.WithMessagef(err, "chain element %d", i)
			}
		}
	case AdamState:
		g, ok := got.(AdamState)
		if !ok {
			return errors.Wrapf(params.ErrShapeMismatch, "optimizer state %T, want adam", got)
		}
		if len(g.Mu) != len(w.Mu) || len(g.Nu) != len(w.Nu) {
			return errors.Wrapf(params.ErrShapeMismatch, "adam moments for %d params, want %d", len(g.Mu), len(w.Mu))
		}
		for k := range w.Mu {
			wr, wc := w.Mu[k].Dims()
			mr, mc := g.Mu[k].Dims()
			vr, vc := g.Nu[k].Dims()
			if mr != wr || mc != wc || vr != wr || vc != wc {
				return errors.Wrapf(params.ErrShapeMismatch, "adam moment %d is %dx%d, want %dx%d", k, mr, mc, wr, wc)
			}
		}
	default:
		if fmt.Sprintf("%T", want) != fmt.Sprintf("%T", got) {
			return errors.Wrapf(params.ErrShapeMismatch, "optimizer state %T, want %T", got, want)
		}
	}
	return nil
}

// ---- chain ----

type chain []Transformation

func Chain(ts ...Transformation) Transformation { return chain(ts) }

func (c chain) Init(p []*mat.Dense) State {
	st := make(ChainState, len(c))
	for i, t := range c {
		st[i] = t.Init(p)
	}
	return st
}

func (c chain) Update(u []*mat.Dense, state State, p []*mat.Dense) State {
	st := state.(ChainState)
	next := make(ChainState, len(c))
	for i, t := range c {
		next[i] = t.Update(u, st[i], p)
	}
	return next
}

// ---- clip_by_global_norm ----

type clipByGlobalNorm float64

func ClipByGlobalNorm(maxNorm float64) Transformation { return clipByGlobalNorm(maxNorm) }

func (c clipByGlobalNorm) Init([]*mat.Dense) State { return EmptyState(0) }

func (c clipByGlobalNorm) Update(u []*mat.Dense, state State, _ []*mat.Dense) State {
	if s := utils.ClipGrads(float64(c), u...); s < 1 {
		utils.Debugf("optimizer: clipped grads by %.4f", s)
	}
	return state
}

// ---- scale_by_adam ----

type scaleByAdam struct {
	b1, b2, eps float64
}

func ScaleByAdam(b1, b2, eps float64) Transformation { return scaleByAdam{b1, b2, eps} }

func (a scaleByAdam) Init(p []*mat.Dense) State {
	st := AdamState{Mu: make([]*mat.Dense, len(p)), Nu: make([]*mat.Dense, len(p))}
	for i, w := range p {
		st.Mu[i] = zerosLike(w)
		st.Nu[i] = zerosLike(w)
	}
	return st
}

// Update writes mhat / (sqrt(vhat)+eps) with bias correction.
func (a scaleByAdam) Update(u []*mat.Dense, state State, _ []*mat.Dense) State {
	prev := state.(AdamState)
	st := AdamState{Count: prev.Count + 1, Mu: make([]*mat.Dense, len(u)), Nu: make([]*mat.Dense, len(u))}
	c1 := 1.0 / (1.0 - math.Pow(a.b1, float64(st.Count)))
	c2 := 1.0 / (1.0 - math.Pow(a.b2, float64(st.Count)))
	for k, g := range u {
		pr, pc := g.Dims()
		if mr, mc := prev.Mu[k].Dims(); mr != pr || mc != pc {
			panic(fmt.Sprintf("scaleByAdam: moment %d shape mismatch", k))
		}
		m := mat.NewDense(pr, pc, nil)
		v := mat.NewDense(pr, pc, nil)
		for i := 0; i < pr; i++ {
			for j := 0; j < pc; j++ {
				gij := g.At(i, j)
				mij := a.b1*prev.Mu[k].At(i, j) + (1.0-a.b1)*gij
				vij := a.b2*prev.Nu[k].At(i, j) + (1.0-a.b2)*gij*gij
				m.Set(i, j, mij)
				v.Set(i, j, vij)
				g.Set(i, j, (mij*c1)/(math.Sqrt(vij*c2)+a.eps))
			}
		}
		st.Mu[k], st.Nu[k] = m, v
	}
	return st
}

// ---- add_decayed_weights ----

type addDecayedWeights float64

// AddDecayedWeights adds wd * p to every update (AdamW when chained after
// ScaleByAdam).
func AddDecayedWeights(wd float64) Transformation { return addDecayedWeights(wd) }

func (w addDecayedWeights) Init([]*mat.Dense) State { return EmptyState(0) }

func (w addDecayedWeights) Update(u []*mat.Dense, state State, p []*mat.Dense) State {
	for k := range u {
		u[k].Add(u[k], utils.Scale(float64(w), p[k]))
	}
	return state
}

// ---- scale / scale_by_schedule ----

type scale float64

func Scale(s float64) Transformation { return scale(s) }

func (s scale) Init([]*mat.Dense) State { return EmptyState(0) }

func (s scale) Update(u []*mat.Dense, state State, _ []*mat.Dense) State {
	for _, g := range u {
		g.Scale(float64(s), g)
	}
	return state
}

type scaleBySchedule func(step int) float64

// ScaleBySchedule multiplies updates by fn(step), step counting from 1.
func ScaleBySchedule(fn func(step int) float64) Transformation { return scaleBySchedule(fn) }

func (s scaleBySchedule) Init([]*mat.Dense) State { return CountState{} }

func (s scaleBySchedule) Update(u []*mat.Dense, state State, _ []*mat.Dense) State {
	st := state.(CountState)
	st.Count++
	f := s(st.Count)
	for _, g := range u {
		g.Scale(f, g)
	}
	return st
}

// ApplyUpdates adds updates into params in place.
func ApplyUpdates(p, u []*mat.Dense) {
	if len(p) != len(u) {
		panic("ApplyUpdates: length mismatch")
	}
	for k := range p {
		p[k].Add(p[k], u[k])
	}
}

// FromConfig builds the training chain: clip, Adam, optional decay, and a
// negative learning rate (constant or warmup/cosine).
func FromConfig(cfg params.OptimizerConfig) Transformation {
	var ts []Transformation
	if cfg.GradClip > 0 {
		ts = append(ts, ClipByGlobalNorm(cfg.GradClip))
	}
	ts = append(ts, ScaleByAdam(cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps))
	if cfg.WeightDecay > 0 {
		ts = append(ts, AddDecayedWeights(cfg.WeightDecay))
	}
	if cfg.WarmupSteps > 0 || cfg.DecaySteps > 0 {
		ts = append(ts, ScaleBySchedule(func(step int) float64 {
			return -utils.LRSchedule(step, cfg.LR, cfg.WarmupSteps, cfg.DecaySteps)
		}))
	} else {
		ts = append(ts, Scale(-cfg.LR))
	}
	return Chain(ts...)
}
