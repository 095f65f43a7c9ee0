// Package transformer holds the per-shard pieces of a model-parallel causal
// language model: embedding, fused attention/feed-forward blocks and the
// output head. Every exported Forward/Loss/Backward must be called by all
// shards of a replica in the same order, since each ends in a collective.
package transformer

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AMP4323/mesh-transformer-jax/mesh"
	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/precision"
	"github.com/AMP4323/mesh-transformer-jax/utils"
)

// Module and weight names of the parameter tree.
const (
	EmbedModule = "embed"
	ProjModule  = "proj"

	EmbedW      = "w"
	LNScale     = "ln_scale"
	LNOffset    = "ln_offset"
	Query       = "q"
	Key         = "k"
	Value       = "v"
	Output      = "o"
	DenseProj   = "dense_proj"
	DenseProjB  = "dense_proj_b"
	DenseProjO  = "dense_proj_o"
	DenseProjOB = "dense_proj_o_b"
	ProjW       = "w"
	ProjB       = "b"
)

func LayerModule(i int) string { return fmt.Sprintf("layer_%d", i) }

func addGrad(g map[string]*mat.Dense, name string, d *mat.Dense) {
	if g == nil {
		return
	}
	g[name].Add(g[name], d)
}

// CausalTransformerShard is the model stack as seen by one device. It keeps
// no state of its own beyond the bound weight and gradient trees.
type CausalTransformerShard struct {
	cfg    params.ModelConfig
	axis   *mesh.Axis
	embed  *EmbeddingShard
	blocks []*BlockShard
	proj   *ProjectionShard
}

// NewCausalTransformerShard binds the shard's weights w. Gradients are
// accumulated into g, which may be nil when only forward passes are needed.
func NewCausalTransformerShard(cfg params.ModelConfig, axis *mesh.Axis, w, g precision.DenseTree) (*CausalTransformerShard, error) {
	if err := CheckShard(cfg, axis.Size(), w); err != nil {
		return nil, err
	}
	if g != nil {
		if err := CheckShard(cfg, axis.Size(), g); err != nil {
			return nil, errors.WithMessage(err, "gradient tree")
		}
	}
	module := func(t precision.DenseTree, name string) map[string]*mat.Dense {
		if t == nil {
			return nil
		}
		return t[name]
	}
	m := &CausalTransformerShard{
		cfg:   cfg,
		axis:  axis,
		embed: NewEmbeddingShard(axis, w[EmbedModule][EmbedW], module(g, EmbedModule)[EmbedW]),
		proj:  NewProjectionShard(axis, w[ProjModule], module(g, ProjModule)),
	}
	for i := 0; i < cfg.Layers; i++ {
		name := LayerModule(i)
		m.blocks = append(m.blocks, NewBlockShard(cfg, axis, w[name], module(g, name)))
	}
	return m, nil
}

func (m *CausalTransformerShard) checkBatch(context, target [][]int) error {
	if target != nil && len(context) != len(target) {
		return errors.Wrapf(params.ErrShapeMismatch, "%d context rows, %d target rows", len(context), len(target))
	}
	for i, ctx := range context {
		if len(ctx) == 0 {
			return errors.Wrapf(params.ErrShapeMismatch, "example %d is empty", i)
		}
		if target != nil && len(target[i]) != len(ctx) {
			return errors.Wrapf(params.ErrShapeMismatch, "example %d: context %d, target %d", i, len(ctx), len(target[i]))
		}
		for _, row := range [][]int{ctx, pick(target, i)} {
			for _, tok := range row {
				if tok < 0 || tok >= m.cfg.Vocab {
					return errors.Wrapf(params.ErrTokenOutOfRange, "example %d: token %d, vocab %d", i, tok, m.cfg.Vocab)
				}
			}
		}
	}
	return nil
}

func pick(rows [][]int, i int) []int {
	if rows == nil {
		return nil
	}
	return rows[i]
}

// hidden runs embedding and blocks, returning the final activations and
// each block's input.
func (m *CausalTransformerShard) hidden(tokens []int) (*mat.Dense, []*mat.Dense, *mat.Dense, error) {
	mask := utils.CausalMask(len(tokens))
	x := m.embed.Forward(tokens)
	inputs := make([]*mat.Dense, len(m.blocks))
	for l, b := range m.blocks {
		inputs[l] = x
		out, err := b.Forward(x, mask)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "%s", LayerModule(l))
		}
		x = utils.Add(x, out)
	}
	return x, inputs, mask, nil
}

// Evaluate returns the per-token loss, example-major (len = micro*seq).
func (m *CausalTransformerShard) Evaluate(context, target [][]int) ([]float64, error) {
	if err := m.checkBatch(context, target); err != nil {
		return nil, err
	}
	var losses []float64
	for i, ctx := range context {
		x, _, _, err := m.hidden(ctx)
		if err != nil {
			return nil, err
		}
		l, err := m.proj.Loss(x, target[i])
		if err != nil {
			return nil, err
		}
		losses = append(losses, l...)
	}
	return losses, nil
}

func mean(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func (m *CausalTransformerShard) MeanLoss(context, target [][]int) (float64, error) {
	losses, err := m.Evaluate(context, target)
	if err != nil {
		return 0, err
	}
	return mean(losses), nil
}

// ValueAndGrad returns the per-token losses and adds the gradient of their
// mean into the bound gradient tree. Only block inputs are kept between the
// forward and backward passes.
func (m *CausalTransformerShard) ValueAndGrad(context, target [][]int) ([]float64, error) {
	if err := m.checkBatch(context, target); err != nil {
		return nil, err
	}
	n := 0
	for _, ctx := range context {
		n += len(ctx)
	}
	var losses []float64
	for i, ctx := range context {
		x, inputs, mask, err := m.hidden(ctx)
		if err != nil {
			return nil, err
		}
		ls, err := m.proj.Loss(x, target[i])
		if err != nil {
			return nil, err
		}
		losses = append(losses, ls...)

		cot := make([]float64, len(ctx))
		for t := range cot {
			cot[t] = 1 / float64(n)
		}
		dx, err := m.proj.LossBackward(x, target[i], cot)
		if err != nil {
			return nil, err
		}
		for l := len(m.blocks) - 1; l >= 0; l-- {
			db, err := m.blocks[l].Backward(inputs[l], mask, dx)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s backward", LayerModule(l))
			}
			dx.Add(dx, db)
		}
		m.embed.Backward(ctx, dx)
	}
	return losses, nil
}

// Project returns full-vocabulary logits (V x T) per example.
func (m *CausalTransformerShard) Project(context [][]int) ([]*mat.Dense, error) {
	if err := m.checkBatch(context, nil); err != nil {
		return nil, err
	}
	out := make([]*mat.Dense, len(context))
	for i, ctx := range context {
		x, _, _, err := m.hidden(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = m.proj.Project(x)
	}
	return out, nil
}
