package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/training"
	"github.com/AMP4323/mesh-transformer-jax/utils"
)

// Generate continues ids autoregressively for up to n tokens. Every
// replica receives the same window; replica 0's logits drive sampling.
func Generate(ctx context.Context, state *training.State, ids []int, n, topK int, topP float64, seed uint64) ([]int, error) {
	if len(ids) == 0 {
		return nil, errors.Wrap(params.ErrShapeMismatch, "empty prompt")
	}
	cfg := state.Config()
	rng := rand.New(rand.NewPCG(seed, 0x9e4))
	seq := append([]int(nil), ids...)
	var out []int
	for i := 0; i < n; i++ {
		window := seq
		if len(window) > cfg.Model.SeqLen {
			window = window[len(window)-cfg.Model.SeqLen:]
		}
		contexts := make([][][]int, cfg.Mesh.Replicas)
		for r := range contexts {
			contexts[r] = [][]int{window}
		}
		logits, err := state.Project(ctx, contexts)
		if err != nil {
			return out, err
		}
		z := logits[0][0]
		_, T := z.Dims()
		next := utils.SampleFromProbs(softmaxColumn(z.ColView(T-1)), topK, topP, rng)
		seq = append(seq, next)
		out = append(out, next)
	}
	return out, nil
}

// softmaxColumn returns unnormalized exp(v - max v).
func softmaxColumn(v mat.Vector) []float64 {
	p := make([]float64, v.Len())
	mx := math.Inf(-1)
	for i := range p {
		mx = math.Max(mx, v.AtVec(i))
	}
	for i := range p {
		p[i] = math.Exp(v.AtVec(i) - mx)
	}
	return p
}

// renderTokens prints byte vocabularies as text and anything else as ids.
func renderTokens(toks []int, vocab int) string {
	if vocab > 256 {
		return fmt.Sprint(toks)
	}
	var sb strings.Builder
	for _, t := range toks {
		sb.WriteByte(byte(t))
	}
	return sb.String()
}
