package transformer

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/precision"
	"github.com/AMP4323/mesh-transformer-jax/utils"
)

type leafInit struct {
	rows, cols int
	stddev     float64 // truncated normal; 0 means constant fill
	fill       float64
}

// shardLayout describes every leaf of one shard's tree: shape and initializer.
func shardLayout(cfg params.ModelConfig, shards int) map[precision.Leaf]leafInit {
	d := cfg.Dim
	dps := d / shards
	vps := cfg.Vocab / shards
	ff := 4 * dps
	fanIn := 1 / math.Sqrt(float64(d))
	outScale := (2 / float64(cfg.Layers)) / math.Sqrt(float64(d))

	out := map[precision.Leaf]leafInit{
		{Module: EmbedModule, Name: EmbedW}:  {d, vps, 1 / math.Sqrt(float64(cfg.Vocab)), 0},
		{Module: ProjModule, Name: LNScale}:  {d, 1, 0, 1},
		{Module: ProjModule, Name: LNOffset}: {d, 1, 0, 0},
		{Module: ProjModule, Name: ProjW}:    {vps, d, fanIn, 0},
		{Module: ProjModule, Name: ProjB}:    {vps, 1, 0, 0},
	}
	for i := 0; i < cfg.Layers; i++ {
		m := LayerModule(i)
		out[precision.Leaf{Module: m, Name: LNScale}] = leafInit{d, 1, 0, 1}
		out[precision.Leaf{Module: m, Name: LNOffset}] = leafInit{d, 1, 0, 0}
		out[precision.Leaf{Module: m, Name: Query}] = leafInit{dps, d, fanIn, 0}
		out[precision.Leaf{Module: m, Name: Key}] = leafInit{dps, d, fanIn, 0}
		out[precision.Leaf{Module: m, Name: Value}] = leafInit{dps, d, fanIn, 0}
		out[precision.Leaf{Module: m, Name: Output}] = leafInit{d, dps, outScale, 0}
		out[precision.Leaf{Module: m, Name: DenseProj}] = leafInit{ff, d, fanIn, 0}
		out[precision.Leaf{Module: m, Name: DenseProjB}] = leafInit{ff, 1, 0, 0}
		out[precision.Leaf{Module: m, Name: DenseProjO}] = leafInit{d, ff, outScale, 0}
		out[precision.Leaf{Module: m, Name: DenseProjOB}] = leafInit{d, 1, 0, 0}
	}
	return out
}

// CheckShard verifies that t has exactly the leaves and shapes of one shard.
func CheckShard(cfg params.ModelConfig, shards int, t precision.DenseTree) error {
	layout := shardLayout(cfg, shards)
	n := 0
	for l, li := range layout {
		m := t.Get(l)
		if m == nil {
			return errors.Wrapf(params.ErrShapeMismatch, "missing %s", l)
		}
		if r, c := m.Dims(); r != li.rows || c != li.cols {
			return errors.Wrapf(params.ErrShapeMismatch, "%s is %dx%d, want %dx%d", l, r, c, li.rows, li.cols)
		}
		n++
	}
	if got := len(t.Leaves()); got != n {
		return errors.Wrapf(params.ErrShapeMismatch, "tree has %d leaves, want %d", got, n)
	}
	return nil
}

// InitShard draws one shard's weights. Leaves are visited in sorted order so
// the same source always yields the same tree.
func InitShard(cfg params.ModelConfig, shards int, src rand.Source) precision.DenseTree {
	layout := shardLayout(cfg, shards)
	t := precision.DenseTree{}
	for _, l := range sortedLeaves(layout) {
		li := layout[l]
		var data []float64
		if li.stddev > 0 {
			data = utils.TruncatedNormalArray(li.rows*li.cols, li.stddev, src)
		} else {
			data = make([]float64, li.rows*li.cols)
			for k := range data {
				data[k] = li.fill
			}
		}
		t.Set(l, mat.NewDense(li.rows, li.cols, data))
	}
	return t
}

func sortedLeaves(layout map[precision.Leaf]leafInit) []precision.Leaf {
	out := make([]precision.Leaf, 0, len(layout))
	for l := range layout {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ParamCount is the total number of parameters over all shards.
func ParamCount(cfg params.ModelConfig, shards int) int {
	n := 0
	for _, li := range shardLayout(cfg, shards) {
		n += li.rows * li.cols
	}
	return n * shards
}
