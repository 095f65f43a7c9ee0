package IO

import (
	"sync"

	"github.com/pkg/errors"
	tiktoken "github.com/pkoukk/tiktoken-go"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Tokenizer turns raw text into ids in [0, VocabSize()).
type Tokenizer interface {
	Encode(text string) ([]int, error)
	VocabSize() int
}

// ByteTokenizer is the enwik8-style byte-level vocabulary.
type ByteTokenizer struct{}

func (ByteTokenizer) VocabSize() int { return 256 }

func (ByteTokenizer) Encode(text string) ([]int, error) {
	out := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int(text[i])
	}
	return out, nil
}

// BPETokenizer wraps a trained tokenizer.json.
type BPETokenizer struct {
	tok   *tk.Tokenizer
	vocab int
}

func LoadBPE(path string) (*BPETokenizer, error) {
	t, err := pretrained.FromFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "load tokenizer %s", path)
	}
	return &BPETokenizer{tok: t, vocab: len(t.GetVocab(true))}, nil
}

func (b *BPETokenizer) VocabSize() int { return b.vocab }

// Encode encodes raw text into token IDs (without BOS/EOS).
func (b *BPETokenizer) Encode(text string) ([]int, error) {
	enc, err := b.tok.EncodeSingle(text)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(enc.Ids))
	for i, v := range enc.Ids {
		out[i] = int(v)
	}
	return out, nil
}

// TiktokenTokenizer maps a tiktoken encoding onto a compact local vocabulary
// of fixed size. Local ids are handed out in order of first appearance;
// once the table is full, unseen pieces map to the last id (unk).
type TiktokenTokenizer struct {
	encode func(string) []int
	size   int

	mu      sync.Mutex
	toLocal map[int]int
	toBPE   []int
}

func NewTiktoken(encoding string, size int) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return newTiktoken(enc.EncodeOrdinary, size), nil
}

func newTiktoken(encode func(string) []int, size int) *TiktokenTokenizer {
	return &TiktokenTokenizer{encode: encode, size: size, toLocal: map[int]int{}}
}

func (t *TiktokenTokenizer) VocabSize() int { return t.size }

func (t *TiktokenTokenizer) Unk() int { return t.size - 1 }

func (t *TiktokenTokenizer) Encode(text string) ([]int, error) {
	raw := t.encode(text)
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(raw))
	for i, id := range raw {
		local, ok := t.toLocal[id]
		if !ok {
			if len(t.toBPE) >= t.size-1 {
				out[i] = t.Unk()
				continue
			}
			local = len(t.toBPE)
			t.toLocal[id] = local
			t.toBPE = append(t.toBPE, id)
		}
		out[i] = local
	}
	return out, nil
}

// Table returns the tiktoken id behind each local id, for persisting the
// mapping next to exported shards.
func (t *TiktokenTokenizer) Table() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.toBPE...)
}
