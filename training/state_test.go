package training

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/AMP4323/mesh-transformer-jax/optimizations"
	"github.com/AMP4323/mesh-transformer-jax/params"
	"github.com/AMP4323/mesh-transformer-jax/precision"
)

func smallConfig(replicas, shards int, prec string) params.Config {
	cfg := params.DefaultConfig()
	cfg.Mesh = params.MeshConfig{Replicas: replicas, Shards: shards}
	cfg.Model = params.ModelConfig{Dim: 8, Heads: 2, Layers: 1, Vocab: 16, SeqLen: 4}
	cfg.Optimizer.LR = 0.01
	cfg.Precision = prec
	cfg.MicroBatch = 1
	return cfg
}

func newState(t *testing.T, cfg params.Config) *State {
	t.Helper()
	s, err := New(cfg, optimizations.FromConfig(cfg.Optimizer))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func oneBatch(replicas int, ctx, tgt []int) Batch {
	b := Batch{}
	for r := 0; r < replicas; r++ {
		b.Context = append(b.Context, [][]int{ctx})
		b.Target = append(b.Target, [][]int{tgt})
	}
	return b
}

func meanOf(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func TestEndToEndLossDecreases(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(1, 2, params.PrecisionNarrow)
	s := newState(t, cfg)
	batch := oneBatch(1, []int{0, 1, 2, 3}, []int{1, 2, 3, 4})
	if err := s.Initialize(ctx, 42, batch); err != nil {
		t.Fatal(err)
	}

	var first, last float64
	for cycle := 0; cycle < 5; cycle++ {
		losses, err := s.Train(ctx, batch)
		if err != nil {
			t.Fatal(err)
		}
		if len(losses) != 4 {
			t.Fatalf("got %d losses, want 4", len(losses))
		}
		for _, l := range losses {
			if math.IsNaN(l) || math.IsInf(l, 0) || l < 0 {
				t.Fatalf("cycle %d: bad loss %v", cycle, losses)
			}
		}
		if err := s.UpdateWithCount(ctx, 1); err != nil {
			t.Fatal(err)
		}
		if cycle == 0 {
			first = meanOf(losses)
		}
		last = meanOf(losses)
	}
	if !(last < first) {
		t.Fatalf("mean loss did not decrease: first %.5f, last %.5f", first, last)
	}
	if s.Step() != 5 || s.Pending() != 0 {
		t.Fatalf("step %d pending %d", s.Step(), s.Pending())
	}
}

func maxDiff(a, b []precision.Tree) float64 {
	worst := 0.0
	for i := range a {
		da, db := a[i].Dense(), b[i].Dense()
		for _, l := range da.Leaves() {
			x, y := da.Get(l), db.Get(l)
			r, c := x.Dims()
			for p := 0; p < r; p++ {
				for q := 0; q < c; q++ {
					worst = math.Max(worst, math.Abs(x.At(p, q)-y.At(p, q)))
				}
			}
		}
	}
	return worst
}

func TestAccumulationMatchesConcatenatedBatch(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(2, 2, params.PrecisionWide)
	b1 := Batch{
		Context: [][][]int{{{0, 1, 2, 3}}, {{5, 6, 7, 8}}},
		Target:  [][][]int{{{1, 2, 3, 4}}, {{6, 7, 8, 9}}},
	}
	b2 := Batch{
		Context: [][][]int{{{15, 14, 13, 12}}, {{3, 9, 3, 9}}},
		Target:  [][][]int{{{14, 13, 12, 11}}, {{9, 3, 9, 3}}},
	}

	acc := newState(t, cfg)
	if err := acc.Initialize(ctx, 7, b1); err != nil {
		t.Fatal(err)
	}
	for _, b := range []Batch{b1, b2} {
		if _, err := acc.Train(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	if err := acc.Update(ctx); err != nil {
		t.Fatal(err)
	}

	one := newState(t, cfg)
	if err := one.Initialize(ctx, 7, b1); err != nil {
		t.Fatal(err)
	}
	if _, err := one.Train(ctx, Concat(b1, b2)); err != nil {
		t.Fatal(err)
	}
	if err := one.UpdateWithCount(ctx, 1); err != nil {
		t.Fatal(err)
	}

	if d := maxDiff(acc.HostParams(), one.HostParams()); d > 1e-9 {
		t.Fatalf("accumulated and concatenated updates differ by %g", d)
	}
	if acc.Step() != 2 || one.Step() != 1 {
		t.Fatalf("steps %d/%d", acc.Step(), one.Step())
	}
}

func TestDataParallelMatchesSingleReplica(t *testing.T) {
	ctx := context.Background()
	split := Batch{
		Context: [][][]int{{{0, 1, 2, 3}}, {{4, 5, 6, 7}}},
		Target:  [][][]int{{{1, 2, 3, 4}}, {{5, 6, 7, 8}}},
	}
	joined := Batch{
		Context: [][][]int{{{0, 1, 2, 3}, {4, 5, 6, 7}}},
		Target:  [][][]int{{{1, 2, 3, 4}, {5, 6, 7, 8}}},
	}

	two := newState(t, smallConfig(2, 2, params.PrecisionWide))
	single := newState(t, smallConfig(1, 2, params.PrecisionWide))
	for _, c := range []struct {
		s *State
		b Batch
	}{{two, split}, {single, joined}} {
		if err := c.s.Initialize(ctx, 3, c.b); err != nil {
			t.Fatal(err)
		}
		losses, err := c.s.Train(ctx, c.b)
		if err != nil {
			t.Fatal(err)
		}
		if len(losses) != 8 {
			t.Fatalf("got %d losses", len(losses))
		}
		if err := c.s.Update(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if d := maxDiff(two.HostParams(), single.HostParams()); d > 1e-9 {
		t.Fatalf("data-parallel update differs from single replica by %g", d)
	}
}

func TestUpdateCounting(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(1, 2, params.PrecisionNarrow)
	s := newState(t, cfg)
	batch := oneBatch(1, []int{0, 1, 2, 3}, []int{1, 2, 3, 4})

	if err := s.Update(ctx); !errors.Is(err, params.ErrUninitialized) {
		t.Fatalf("update before initialize: %v", err)
	}
	if _, err := s.Train(ctx, batch); !errors.Is(err, params.ErrUninitialized) {
		t.Fatalf("train before initialize: %v", err)
	}
	if err := s.Initialize(ctx, 1, batch); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx); !errors.Is(err, params.ErrNothingAccumulated) {
		t.Fatalf("update with nothing pending: %v", err)
	}

	before := s.DeviceParams()
	for i := 0; i < 2; i++ {
		if _, err := s.Train(ctx, batch); err != nil {
			t.Fatal(err)
		}
	}
	if d := maxDiff(before, s.DeviceParams()); d != 0 {
		t.Fatalf("train changed parameters by %g", d)
	}
	if err := s.UpdateWithCount(ctx, 3); !errors.Is(err, params.ErrAccumulationCountMismatch) {
		t.Fatalf("wrong count: %v", err)
	}
	if s.Pending() != 2 {
		t.Fatalf("rejected update consumed the accumulator: pending %d", s.Pending())
	}
	if err := s.UpdateWithCount(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if s.Step() != 2 || s.Pending() != 0 {
		t.Fatalf("step %d pending %d", s.Step(), s.Pending())
	}
	if d := maxDiff(before, s.DeviceParams()); d == 0 {
		t.Fatal("update left parameters unchanged")
	}
}

func TestAcceleratorParamsMirrorHost(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(1, 2, params.PrecisionNarrow)
	s := newState(t, cfg)
	batch := oneBatch(1, []int{0, 1, 2, 3}, []int{1, 2, 3, 4})
	if err := s.Initialize(ctx, 5, batch); err != nil {
		t.Fatal(err)
	}
	check := func(when string) {
		dev := s.DeviceParams()
		want := precision.CastShards(s.HostParams(), precision.Narrow)
		if d := maxDiff(dev, want); d != 0 {
			t.Fatalf("%s: accelerator params differ from narrow host params by %g", when, d)
		}
		for _, tr := range dev {
			for _, l := range tr.Leaves() {
				if tr.Get(l).Dtype != precision.Narrow {
					t.Fatalf("%s: %s stored as %s", when, l, tr.Get(l).Dtype)
				}
			}
		}
	}
	check("after initialize")
	if _, err := s.Train(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx); err != nil {
		t.Fatal(err)
	}
	check("after update")
	if s.ParamCount() != 1152 {
		t.Fatalf("ParamCount = %d", s.ParamCount())
	}
}

func TestInitializeIsReproducible(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(2, 2, params.PrecisionWide)
	batch := oneBatch(2, []int{0, 1, 2, 3}, []int{1, 2, 3, 4})
	a, b, c := newState(t, cfg), newState(t, cfg), newState(t, cfg)
	for seed, s := range map[uint64]*State{1: a, 2: c} {
		if err := s.Initialize(ctx, seed, batch); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Initialize(ctx, 1, batch); err != nil {
		t.Fatal(err)
	}
	if d := maxDiff(a.HostParams(), b.HostParams()); d != 0 {
		t.Fatalf("same seed differs by %g", d)
	}
	if d := maxDiff(a.HostParams(), c.HostParams()); d == 0 {
		t.Fatal("different seeds gave identical weights")
	}
	seeds := ShardSeeds(1, 2)
	if seeds[0] == seeds[1] {
		t.Fatal("shards share a seed")
	}
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(1, 2, params.PrecisionNarrow)
	s := newState(t, cfg)
	batch := oneBatch(1, []int{0, 1, 2, 3}, []int{1, 2, 3, 4})
	if err := s.Initialize(ctx, 9, batch); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Train(ctx, batch); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if d := maxDiff(s.HostParams(), snap.Host); d != 0 {
		t.Fatalf("restored host params differ by %g", d)
	}
	if s.Step() != 1 || s.Pending() != 1 {
		t.Fatalf("step %d pending %d", s.Step(), s.Pending())
	}
	// the restored accumulator is usable as is
	if err := s.UpdateWithCount(ctx, 1); err != nil {
		t.Fatal(err)
	}

	other := smallConfig(1, 2, params.PrecisionNarrow)
	other.Model.Layers = 2
	if err := newState(t, other).Restore(snap); !errors.Is(err, params.ErrShapeMismatch) {
		t.Fatalf("restore into a different model: %v", err)
	}
}

func TestRestoreRejectsOtherOptimizerChain(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(1, 2, params.PrecisionNarrow)
	s := newState(t, cfg)
	batch := oneBatch(1, []int{0, 1, 2, 3}, []int{1, 2, 3, 4})
	if err := s.Initialize(ctx, 9, batch); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	decayed := cfg
	decayed.Optimizer.WeightDecay = 0.1
	other := newState(t, decayed)
	if err := other.Restore(snap); !errors.Is(err, params.ErrShapeMismatch) {
		t.Fatalf("restore under a longer chain: %v", err)
	}
	// a rejected restore leaves the state uninitialized
	if _, err := other.Train(ctx, batch); !errors.Is(err, params.ErrUninitialized) {
		t.Fatalf("train after rejected restore: %v", err)
	}

	scheduled := cfg
	scheduled.Optimizer.WarmupSteps = 10
	if err := newState(t, scheduled).Restore(snap); !errors.Is(err, params.ErrShapeMismatch) {
		t.Fatalf("restore under a scheduled chain: %v", err)
	}

	same := newState(t, cfg)
	if err := same.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if _, err := same.Train(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := same.Update(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestSyncRewritesDeviceParamsFromHost(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(1, 2, params.PrecisionNarrow)
	s := newState(t, cfg)
	if err := s.Sync(); !errors.Is(err, params.ErrUninitialized) {
		t.Fatalf("sync before initialize: %v", err)
	}
	batch := oneBatch(1, []int{0, 1, 2, 3}, []int{1, 2, 3, 4})
	if err := s.Initialize(ctx, 3, batch); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Train(ctx, batch); err != nil {
		t.Fatal(err)
	}
	accum := cloneAll(s.accum)
	step, pending := s.Step(), s.Pending()

	// host storage is wide, so the view writes through
	for _, tr := range s.host {
		l := tr.Leaves()[0]
		v := tr.Get(l).View()
		v.Set(0, 0, v.At(0, 0)+0.5)
	}
	if d := maxDiff(s.DeviceParams(), precision.CastShards(s.HostParams(), precision.Narrow)); d == 0 {
		t.Fatal("perturbing host params did not change them")
	}

	if err := s.Sync(); err != nil {
		t.Fatal(err)
	}
	if d := maxDiff(s.DeviceParams(), precision.CastShards(s.HostParams(), precision.Narrow)); d != 0 {
		t.Fatalf("after sync accelerator params differ from narrow host params by %g", d)
	}
	if s.Step() != step || s.Pending() != pending {
		t.Fatalf("sync moved counters: step %d pending %d", s.Step(), s.Pending())
	}
	if d := maxDiff(s.accum, accum); d != 0 {
		t.Fatalf("sync touched the accumulator by %g", d)
	}
}

func TestEvaluateAndProject(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(2, 2, params.PrecisionNarrow)
	s := newState(t, cfg)
	batch := oneBatch(2, []int{0, 1, 2, 3}, []int{1, 2, 3, 4})
	if err := s.Initialize(ctx, 11, batch); err != nil {
		t.Fatal(err)
	}
	losses, err := s.Evaluate(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	trained, err := s.Train(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	for i := range losses {
		if losses[i] != trained[i] {
			t.Fatalf("evaluate and train disagree at %d: %g vs %g", i, losses[i], trained[i])
		}
	}
	logits, err := s.Project(ctx, batch.Context)
	if err != nil {
		t.Fatal(err)
	}
	if r, c := logits[1][0].Dims(); r != 16 || c != 4 {
		t.Fatalf("logits %dx%d", r, c)
	}
}

func TestBatchValidation(t *testing.T) {
	cfg := smallConfig(2, 2, params.PrecisionNarrow)
	cases := map[string]struct {
		b    Batch
		want error
	}{
		"wrong replica count": {oneBatch(1, []int{0, 1}, []int{1, 2}), params.ErrShapeMismatch},
		"ragged target":       {oneBatch(2, []int{0, 1}, []int{1}), params.ErrShapeMismatch},
		"token out of range":  {oneBatch(2, []int{0, 16}, []int{1, 2}), params.ErrTokenOutOfRange},
		"empty":               {Batch{Context: [][][]int{{}, {}}, Target: [][][]int{{}, {}}}, params.ErrShapeMismatch},
	}
	for name, c := range cases {
		if err := c.b.Validate(cfg); !errors.Is(err, c.want) {
			t.Errorf("%s: got %v, want %v", name, err, c.want)
		}
	}
	if err := oneBatch(2, []int{0, 1}, []int{1, 2}).Validate(cfg); err != nil {
		t.Fatal(err)
	}
}
