package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/AMP4323/mesh-transformer-jax/utils"
)

// mlp is the shard-local slice of the 4x feed-forward expansion.
type mlp struct {
	HiddenWeights, HiddenBias *mat.Dense // (ff x d), (ff x 1)
	OutputWeights, OutputBias *mat.Dense // (d x ff), (d x 1)

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func (m *mlp) forward(X *mat.Dense) *mat.Dense {
	m.lastInput = X
	m.hiddenPreAct = utils.AddBias(utils.Dot(m.HiddenWeights, X), m.HiddenBias) // (ff x T)
	m.hiddenOutputs = utils.Apply(utils.GeluApply, m.hiddenPreAct)
	return utils.AddBias(utils.Dot(m.OutputWeights, m.hiddenOutputs), m.OutputBias) // (d x T)
}

func (m *mlp) backwardGradsOnly(grad *mat.Dense) (dX, dWhid, dbHidden, dWout, dbOut *mat.Dense) {
	dWout = utils.Dot(grad, m.hiddenOutputs.T())
	dbOut = utils.SumCols(grad)

	hiddenGradOut := utils.Dot(m.OutputWeights.T(), grad) // dL/d(hidden_out)
	hiddenErrors := utils.Multiply(hiddenGradOut, utils.GeluPrime(m.hiddenPreAct))

	dWhid = utils.Dot(hiddenErrors, m.lastInput.T())
	dbHidden = utils.SumCols(hiddenErrors)
	dX = utils.Dot(m.HiddenWeights.T(), hiddenErrors)
	return dX, dWhid, dbHidden, dWout, dbOut
}
