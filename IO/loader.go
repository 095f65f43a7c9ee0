package IO

import (
	"math/rand/v2"
	"os"

	"github.com/pkg/errors"

	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/training"
)

// TextLoader samples random windows of seq+1 tokens from a token stream and
// splits each into context (first seq) and target (last seq).
type TextLoader struct {
	tokens   []int
	replicas int
	micro    int
	seq      int
	rng      *rand.Rand
}

// NewTokenLoader validates tokens against the model vocabulary.
func NewTokenLoader(tokens []int, cfg params.Config, seed uint64) (*TextLoader, error) {
	seq := cfg.Model.SeqLen
	if len(tokens) < seq+1 {
		return nil, errors.Wrapf(params.ErrShapeMismatch, "%d tokens, need at least %d", len(tokens), seq+1)
	}
	for i, tok := range tokens {
		if tok < 0 || tok >= cfg.Model.Vocab {
			return nil, errors.Wrapf(params.ErrTokenOutOfRange, "token %d at %d, vocab %d", tok, i, cfg.Model.Vocab)
		}
	}
	return &TextLoader{
		tokens:   tokens,
		replicas: cfg.Mesh.Replicas,
		micro:    cfg.MicroBatch,
		seq:      seq,
		rng:      rand.New(rand.NewPCG(seed, 0x5eed)),
	}, nil
}

// NewByteLoader reads a raw file as byte tokens (vocab 256).
func NewByteLoader(path string, cfg params.Config, seed uint64) (*TextLoader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tokens, err := ByteTokenizer{}.Encode(string(raw))
	if err != nil {
		return nil, err
	}
	return NewTokenLoader(tokens, cfg, seed)
}

// Split returns two loaders over the leading and trailing parts of the
// stream, the second holding roughly frac of the tokens.
func (l *TextLoader) Split(frac float64, seed uint64) (*TextLoader, *TextLoader, error) {
	cut := len(l.tokens) - int(frac*float64(len(l.tokens)))
	if cut < l.seq+1 || len(l.tokens)-cut < l.seq+1 {
		return nil, nil, errors.Wrapf(params.ErrShapeMismatch, "cannot split %d tokens at %.3f", len(l.tokens), frac)
	}
	a, b := *l, *l
	a.tokens, b.tokens = l.tokens[:cut], l.tokens[cut:]
	b.rng = rand.New(rand.NewPCG(seed, 0x5eed))
	return &a, &b, nil
}

func (l *TextLoader) Len() int { return len(l.tokens) }

// GetSamples draws one [replicas][micro][seq] batch.
func (l *TextLoader) GetSamples() training.Batch {
	b := training.Batch{
		Context: make([][][]int, l.replicas),
		Target:  make([][][]int, l.replicas),
	}
	for r := 0; r < l.replicas; r++ {
		b.Context[r] = make([][]int, l.micro)
		b.Target[r] = make([][]int, l.micro)
		for m := 0; m < l.micro; m++ {
			off := l.rng.IntN(len(l.tokens) - l.seq)
			window := l.tokens[off : off+l.seq+1]
			b.Context[r][m] = append([]int(nil), window[:l.seq]...)
			b.Target[r][m] = append([]int(nil), window[1:]...)
		}
	}
	return b
}
