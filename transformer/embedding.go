package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/AMP4323/mesh-transformer-jax/mesh"
)

// EmbeddingShard owns the contiguous token range [Start, Start+Rows) of the
// embedding table. W is (d x Rows): column j embeds token Start+j.
type EmbeddingShard struct {
	axis  *mesh.Axis
	W, dW *mat.Dense
	Start int
	Rows  int
}

func NewEmbeddingShard(axis *mesh.Axis, w, dw *mat.Dense) *EmbeddingShard {
	_, rows := w.Dims()
	return &EmbeddingShard{axis: axis, W: w, dW: dw, Start: axis.Index() * rows, Rows: rows}
}

func (e *EmbeddingShard) owns(tok int) (int, bool) {
	j := tok - e.Start
	return j, j >= 0 && j < e.Rows
}

// Forward returns (d x T). Tokens outside the owned range contribute a zero
// column; the mean over the model axis then leaves exactly one shard's
// column scaled by 1/S.
func (e *EmbeddingShard) Forward(tokens []int) *mat.Dense {
	d, _ := e.W.Dims()
	X := mat.NewDense(d, len(tokens), nil)
	for t, tok := range tokens {
		if j, ok := e.owns(tok); ok {
			for i := 0; i < d; i++ {
				X.Set(i, t, e.W.At(i, j))
			}
		}
	}
	e.axis.MeanDense(X)
	return X
}

// Backward accumulates dW[:, tok-Start] += dX[:, t] / S for owned tokens.
func (e *EmbeddingShard) Backward(tokens []int, dX *mat.Dense) {
	if e.dW == nil {
		return
	}
	d, _ := e.W.Dims()
	inv := 1.0 / float64(e.axis.Size())
	for t, tok := range tokens {
		if j, ok := e.owns(tok); ok {
			for i := 0; i < d; i++ {
				e.dW.Set(i, j, e.dW.At(i, j)+inv*dX.At(i, t))
			}
		}
	}
}
