package params

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Mesh axis names. Every shard-aware component receives a MeshConfig
// explicitly; nothing reads the topology from package state.
const (
	DataAxis  = "data"
	ModelAxis = "model"
)

// Precision names accepted by Config.Precision.
const (
	PrecisionNarrow = "narrow" // 16-bit accelerator state
	PrecisionWide   = "wide"   // 64-bit accelerator state (debugging, tests)
)

type MeshConfig struct {
	Replicas int // size of the data axis
	Shards   int // size of the model axis
}

// Devices is the number of compute units in the mesh.
func (m MeshConfig) Devices() int { return m.Replicas * m.Shards }

type ModelConfig struct {
	Dim    int // model width
	Heads  int // attention heads, split evenly across shards
	Layers int // transformer blocks
	Vocab  int // |V|, split evenly across shards
	SeqLen int // context length fed by the batch source
}

func (m ModelConfig) DimPerHead() int { return m.Dim / m.Heads }

type OptimizerConfig struct {
	LR          float64 // peak learning rate
	GradClip    float64 // global norm clip, <=0 disables
	AdamBeta1   float64 // default 0.9
	AdamBeta2   float64 // default 0.999
	AdamEps     float64 // 1e-4 in the enwik8 setup
	WeightDecay float64 // AdamW-style; 0 disables
	WarmupSteps int     // linear warmup updates (0 = constant LR)
	DecaySteps  int     // cosine decay updates after warmup (0 = none)
}

type Config struct {
	Mesh      MeshConfig
	Model     ModelConfig
	Optimizer OptimizerConfig

	Precision  string // PrecisionNarrow or PrecisionWide
	MicroBatch int    // examples per replica per train call
	Seed       uint64

	// Driver
	Steps             int // train calls
	AccumulationSteps int // train calls per update
	SaveEverySteps    int // checkpoint every N updates (0=disable)
	Debug             bool
	DebugEvery        int
}

// DefaultConfig mirrors the small byte-level setup used for local runs.
func DefaultConfig() Config {
	return Config{
		Mesh: MeshConfig{Replicas: 1, Shards: 2},
		Model: ModelConfig{
			Dim:    256,
			Heads:  8,
			Layers: 4,
			Vocab:  256, // bytes
			SeqLen: 128,
		},
		Optimizer: OptimizerConfig{
			LR:          1e-3,
			GradClip:    1.0,
			AdamBeta1:   0.9,
			AdamBeta2:   0.999,
			AdamEps:     1e-4,
			WeightDecay: 0,
		},
		Precision:         PrecisionNarrow,
		MicroBatch:        8,
		Seed:              42,
		Steps:             50,
		AccumulationSteps: 1,
		SaveEverySteps:    0,
		DebugEvery:        10,
	}
}

// Validate fails fast on any topology that cannot be split uniformly.
func (c Config) Validate() error {
	m, s := c.Model, c.Mesh
	switch {
	case s.Replicas <= 0 || s.Shards <= 0:
		return errors.Wrapf(ErrShapeMismatch, "mesh %dx%d must be positive", s.Replicas, s.Shards)
	case m.Dim <= 0 || m.Heads <= 0 || m.Layers <= 0 || m.Vocab <= 0 || m.SeqLen <= 0:
		return errors.Wrapf(ErrShapeMismatch, "model dims must be positive: %+v", m)
	case m.Dim%m.Heads != 0:
		return errors.Wrapf(ErrShapeMismatch, "hidden dim %d not divisible by heads %d", m.Dim, m.Heads)
	case m.Heads%s.Shards != 0:
		return errors.Wrapf(ErrShapeMismatch, "heads %d not divisible by shards %d", m.Heads, s.Shards)
	case m.Vocab%s.Shards != 0:
		return errors.Wrapf(ErrShapeMismatch, "vocab %d not divisible by shards %d", m.Vocab, s.Shards)
	case c.MicroBatch <= 0:
		return errors.Wrapf(ErrShapeMismatch, "micro batch %d must be positive", c.MicroBatch)
	}
	if c.Precision != PrecisionNarrow && c.Precision != PrecisionWide {
		return errors.Errorf("unknown precision %q", c.Precision)
	}
	return nil
}

// LoadConfig reads JSON overrides on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, errors.WithMessagef(err, "decode config %s", path)
	}
	return cfg, cfg.Validate()
}
