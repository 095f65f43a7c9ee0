package transformer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AMP4323/mesh-transformer-jax/mesh"
	"github.com/AMP4323/mesh-transformer-jax/optimizations"
	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/utils"
)

// BlockShard is one shard of a fused attention + feed-forward block. Both
// branches read the same normalized input and their sum goes through a
// single mean-reduce over the model axis.
//
// Forward keeps nothing between calls; Backward recomputes the local
// forward from the block input.
type BlockShard struct {
	axis *mesh.Axis
	ln   *optimizations.LayerNorm
	attn *attention
	mlp  *mlp
	g    map[string]*mat.Dense
}

// NewBlockShard binds a layer_<i> module. g may be nil for forward-only use.
func NewBlockShard(cfg params.ModelConfig, axis *mesh.Axis, w, g map[string]*mat.Dense) *BlockShard {
	return &BlockShard{
		axis: axis,
		ln:   optimizations.NewLayerNorm(w[LNScale], w[LNOffset]),
		attn: &attention{
			H:     cfg.Heads / axis.Size(),
			DHead: cfg.DimPerHead(),
			Wq:    w[Query],
			Wk:    w[Key],
			Wv:    w[Value],
			Wo:    w[Output],
		},
		mlp: &mlp{
			HiddenWeights: w[DenseProj],
			HiddenBias:    w[DenseProjB],
			OutputWeights: w[DenseProjO],
			OutputBias:    w[DenseProjOB],
		},
		g: g,
	}
}

func checkMask(mask *mat.Dense, T int) error {
	if mask == nil {
		return params.ErrMissingMask
	}
	if r, c := mask.Dims(); r != T || c != T {
		return errors.Wrapf(params.ErrShapeMismatch, "mask is %dx%d, sequence length %d", r, c, T)
	}
	return nil
}

func (b *BlockShard) local(x, mask *mat.Dense) *mat.Dense {
	xn := b.ln.Forward(x)
	return utils.Add(b.attn.forward(xn, mask), b.mlp.forward(xn))
}

// Forward returns the residual update for x (d x T); the caller adds it.
func (b *BlockShard) Forward(x, mask *mat.Dense) (*mat.Dense, error) {
	_, T := x.Dims()
	if err := checkMask(mask, T); err != nil {
		return nil, err
	}
	out := b.local(x, mask)
	b.axis.MeanDense(out)
	return out, nil
}

// Backward adds this shard's parameter gradients for the cotangent dOut of
// Forward(x, mask) and returns the gradient with respect to x.
func (b *BlockShard) Backward(x, mask, dOut *mat.Dense) (*mat.Dense, error) {
	_, T := x.Dims()
	if err := checkMask(mask, T); err != nil {
		return nil, err
	}
	b.local(x, mask)

	// out = mean over shards of local outputs
	g := utils.Scale(1/float64(b.axis.Size()), dOut)

	dxa, dWq, dWk, dWv, dWo := b.attn.backwardGradsOnly(g)
	dxf, dW1, db1, dW2, db2 := b.mlp.backwardGradsOnly(g)
	dx, dGamma, dBeta := b.ln.BackwardGradsOnly(utils.Add(dxa, dxf))

	addGrad(b.g, Query, dWq)
	addGrad(b.g, Key, dWk)
	addGrad(b.g, Value, dWv)
	addGrad(b.g, Output, dWo)
	addGrad(b.g, DenseProj, dW1)
	addGrad(b.g, DenseProjB, db1)
	addGrad(b.g, DenseProjO, dW2)
	addGrad(b.g, DenseProjOB, db2)
	addGrad(b.g, LNScale, dGamma)
	addGrad(b.g, LNOffset, dBeta)

	b.axis.SumDense(dx)
	return dx, nil
}
