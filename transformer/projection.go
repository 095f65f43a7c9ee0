package transformer

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/AMP4323/mesh-transformer-jax/mesh"
	"github.com/AMP4323/mesh-transformer-jax/optimizations"
	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/utils"
)

// ProjectionShard is the output head for vocabulary rows
// [Start, Start+Rows). W is (Rows x d), B is (Rows x 1).
type ProjectionShard struct {
	axis  *mesh.Axis
	ln    *optimizations.LayerNorm
	W, B  *mat.Dense
	Start int
	Rows  int
	g     map[string]*mat.Dense
}

func NewProjectionShard(axis *mesh.Axis, w, g map[string]*mat.Dense) *ProjectionShard {
	rows, _ := w[ProjW].Dims()
	return &ProjectionShard{
		axis:  axis,
		ln:    optimizations.NewLayerNorm(w[LNScale], w[LNOffset]),
		W:     w[ProjW],
		B:     w[ProjB],
		Start: axis.Index() * rows,
		Rows:  rows,
		g:     g,
	}
}

func (p *ProjectionShard) logits(x *mat.Dense) (z, xn *mat.Dense) {
	xn = p.ln.Forward(x)
	return utils.AddBias(utils.Dot(p.W, xn), p.B), xn
}

// Project returns the full-vocabulary logits (V x T) on every shard.
func (p *ProjectionShard) Project(x *mat.Dense) *mat.Dense {
	z, _ := p.logits(x)
	_, T := z.Dims()
	parts := p.axis.AllGather(utils.Data(z))
	out := mat.NewDense(p.Rows*len(parts), T, nil)
	for s, part := range parts {
		out.Slice(s*p.Rows, (s+1)*p.Rows, 0, T).(*mat.Dense).Copy(mat.NewDense(p.Rows, T, part))
	}
	return out
}

// softmaxStats holds the recomputed pieces shared by Loss and LossBackward.
type softmaxStats struct {
	xn      *mat.Dense
	shifted *mat.Dense // local logits minus the global max
	logZ    []float64
	loss    []float64
}

// stats runs the max / sum / sum protocol over the model axis.
func (p *ProjectionShard) stats(x *mat.Dense, targets []int) (*softmaxStats, error) {
	_, T := x.Dims()
	if len(targets) != T {
		return nil, errors.Wrapf(params.ErrShapeMismatch, "%d targets for %d positions", len(targets), T)
	}
	z, xn := p.logits(x)

	// Global max carries no gradient; it only shifts the exponent.
	gmax := make([]float64, T)
	col := make([]float64, p.Rows)
	for t := 0; t < T; t++ {
		mat.Col(col, t, z)
		gmax[t] = floats.Max(col)
	}
	p.axis.Max(gmax)

	st := &softmaxStats{xn: xn, shifted: mat.NewDense(p.Rows, T, nil), logZ: make([]float64, T), loss: make([]float64, T)}
	st.shifted.Apply(func(_, t int, v float64) float64 { return v - gmax[t] }, z)

	for t := 0; t < T; t++ {
		s := 0.0
		for i := 0; i < p.Rows; i++ {
			s += math.Exp(st.shifted.At(i, t))
		}
		st.logZ[t] = s
	}
	p.axis.Sum(st.logZ)
	for t := range st.logZ {
		st.logZ[t] = math.Log(st.logZ[t])
	}

	for t, tok := range targets {
		if j := tok - p.Start; j >= 0 && j < p.Rows {
			st.loss[t] = -(st.shifted.At(j, t) - st.logZ[t])
		}
	}
	p.axis.Sum(st.loss)
	return st, nil
}

// Loss returns the per-position cross-entropy, identical on every shard.
func (p *ProjectionShard) Loss(x *mat.Dense, targets []int) ([]float64, error) {
	st, err := p.stats(x, targets)
	if err != nil {
		return nil, err
	}
	return st.loss, nil
}

// LossBackward adds parameter gradients for the cotangent dLoss of Loss and
// returns the gradient with respect to x.
func (p *ProjectionShard) LossBackward(x *mat.Dense, targets []int, dLoss []float64) (*mat.Dense, error) {
	st, err := p.stats(x, targets)
	if err != nil {
		return nil, err
	}
	_, T := x.Dims()
	if len(dLoss) != T {
		return nil, errors.Wrapf(params.ErrShapeMismatch, "%d loss cotangents for %d positions", len(dLoss), T)
	}
	// d loss_t / d z_it = softmax_it - onehot_it
	dz := mat.NewDense(p.Rows, T, nil)
	dz.Apply(func(i, t int, v float64) float64 {
		return dLoss[t] * math.Exp(v-st.logZ[t])
	}, st.shifted)
	for t, tok := range targets {
		if j := tok - p.Start; j >= 0 && j < p.Rows {
			dz.Set(j, t, dz.At(j, t)-dLoss[t])
		}
	}

	addGrad(p.g, ProjW, utils.Dot(dz, st.xn.T()))
	addGrad(p.g, ProjB, utils.SumCols(dz))
	dx, dGamma, dBeta := p.ln.BackwardGradsOnly(utils.Dot(p.W.T(), dz))
	addGrad(p.g, LNScale, dGamma)
	addGrad(p.g, LNOffset, dBeta)

	p.axis.SumDense(dx)
	return dx, nil
}
