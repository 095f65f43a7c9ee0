package training

import (
	"github.com/pkg/errors"

	"github.com/AMP4323/mesh-transformer-jax/params"
)

// Batch holds token ids shaped [replica][example][position]. Target[r][m][t]
// is the token that should follow Context[r][m][t].
type Batch struct {
	Context [][][]int
	Target  [][][]int
}

// Shape returns (replicas, micro batch, sequence length) of a validated batch.
func (b Batch) Shape() (int, int, int) {
	if len(b.Context) == 0 || len(b.Context[0]) == 0 {
		return len(b.Context), 0, 0
	}
	return len(b.Context), len(b.Context[0]), len(b.Context[0][0])
}

// Tokens is the number of target positions in the batch.
func (b Batch) Tokens() int {
	r, m, t := b.Shape()
	return r * m * t
}

// Validate checks that the batch is a dense [replicas][m][t] block with ids
// in [0, vocab).
func (b Batch) Validate(cfg params.Config) error {
	R := cfg.Mesh.Replicas
	if len(b.Context) != R || len(b.Target) != R {
		return errors.Wrapf(params.ErrShapeMismatch, "batch has %d/%d replica rows, mesh has %d replicas",
			len(b.Context), len(b.Target), R)
	}
	_, M, T := b.Shape()
	if M == 0 || T == 0 {
		return errors.Wrapf(params.ErrShapeMismatch, "empty batch %dx%d", M, T)
	}
	for r := 0; r < R; r++ {
		if len(b.Context[r]) != M || len(b.Target[r]) != M {
			return errors.Wrapf(params.ErrShapeMismatch, "replica %d has %d/%d examples, want %d",
				r, len(b.Context[r]), len(b.Target[r]), M)
		}
		for m := 0; m < M; m++ {
			if len(b.Context[r][m]) != T || len(b.Target[r][m]) != T {
				return errors.Wrapf(params.ErrShapeMismatch, "replica %d example %d: lengths %d/%d, want %d",
					r, m, len(b.Context[r][m]), len(b.Target[r][m]), T)
			}
			for _, row := range [][]int{b.Context[r][m], b.Target[r][m]} {
				for _, tok := range row {
					if tok < 0 || tok >= cfg.Model.Vocab {
						return errors.Wrapf(params.ErrTokenOutOfRange, "replica %d example %d: %d", r, m, tok)
					}
				}
			}
		}
	}
	return nil
}

// Concat joins batches along the example axis of every replica.
func Concat(batches ...Batch) Batch {
	if len(batches) == 0 {
		return Batch{}
	}
	R := len(batches[0].Context)
	out := Batch{Context: make([][][]int, R), Target: make([][][]int, R)}
	for _, b := range batches {
		for r := 0; r < R; r++ {
			out.Context[r] = append(out.Context[r], b.Context[r]...)
			out.Target[r] = append(out.Target[r], b.Target[r]...)
		}
	}
	return out
}
