package transformer

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/AMP4323/mesh-transformer-jax/utils"
)

// attention is the shard-local part of multi-head attention: H whole heads
// of width DHead, stacked along the rows of Q, K and V.
type attention struct {
	H     int
	DHead int
	Wq    *mat.Dense // (dps x d)
	Wk    *mat.Dense // (dps x d)
	Wv    *mat.Dense // (dps x d)
	Wo    *mat.Dense // (d x dps)

	// cache of the latest forward, rebuilt on every call
	X       *mat.Dense
	Q, K, V *mat.Dense
	A       []*mat.Dense
	O       *mat.Dense
}

func (attn *attention) head(m *mat.Dense, h int) *mat.Dense {
	_, T := m.Dims()
	return m.Slice(h*attn.DHead, (h+1)*attn.DHead, 0, T).(*mat.Dense)
}

// forward returns Wo * concat_h(V_h softmax(Q_h^T K_h / sqrt(dh) + mask)^T).
func (attn *attention) forward(X, mask *mat.Dense) *mat.Dense {
	_, T := X.Dims()
	attn.X = X
	attn.Q = utils.Dot(attn.Wq, X)
	attn.K = utils.Dot(attn.Wk, X)
	attn.V = utils.Dot(attn.Wv, X)
	dps, _ := attn.Q.Dims()
	attn.O = mat.NewDense(dps, T, nil)
	attn.A = make([]*mat.Dense, attn.H)

	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	for h := 0; h < attn.H; h++ {
		s := utils.Scale(rescale, utils.Dot(attn.head(attn.Q, h).T(), attn.head(attn.K, h)))
		attn.A[h] = utils.RowSoftmaxMaskedInPlace(mat.NewDense(T, T, nil), s, mask)
		attn.head(attn.O, h).Copy(utils.Dot(attn.head(attn.V, h), attn.A[h].T()))
	}
	return utils.Dot(attn.Wo, attn.O)
}

// backwardGradsOnly uses the cache of the latest forward.
func (attn *attention) backwardGradsOnly(dY *mat.Dense) (dX, dWq, dWk, dWv, dWo *mat.Dense) {
	_, T := dY.Dims()
	dps, _ := attn.Q.Dims()

	// Y = Wo * O
	dWo = utils.Dot(dY, attn.O.T())
	dO := utils.Dot(attn.Wo.T(), dY)

	dQ := mat.NewDense(dps, T, nil)
	dK := mat.NewDense(dps, T, nil)
	dV := mat.NewDense(dps, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	for h := 0; h < attn.H; h++ {
		dOh := attn.head(dO, h)
		// O = V * A^T
		attn.head(dV, h).Copy(utils.Dot(dOh, attn.A[h]))
		dAT := utils.Dot(attn.head(attn.V, h).T(), dOh)
		// A = softmax_row(S)
		dS := utils.SoftmaxBackward(dAT.T(), attn.A[h])
		// S = Q^T K / sqrt(dHead)
		attn.head(dQ, h).Copy(utils.Scale(rescale, utils.Dot(attn.head(attn.K, h), dS.T())))
		attn.head(dK, h).Copy(utils.Scale(rescale, utils.Dot(attn.head(attn.Q, h), dS)))
	}

	dWq = utils.Dot(dQ, attn.X.T())
	dWk = utils.Dot(dK, attn.X.T())
	dWv = utils.Dot(dV, attn.X.T())

	dX = utils.Dot(attn.Wq.T(), dQ)
	dX.Add(dX, utils.Dot(attn.Wk.T(), dK))
	dX.Add(dX, utils.Dot(attn.Wv.T(), dV))
	return dX, dWq, dWk, dWv, dWo
}
