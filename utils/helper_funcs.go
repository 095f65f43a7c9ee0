package utils

import (
	"log"
	"math"
	"math/rand/v2"
	"os"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// TruncatedNormalArray draws size samples from N(0, stddev^2) truncated to
// two standard deviations.
func TruncatedNormalArray(size int, stddev float64, src rand.Source) []float64 {
	dist := distuv.Normal{Mu: 0, Sigma: stddev, Src: src}
	out := make([]float64, size)
	for i := range out {
		v := dist.Rand()
		for math.Abs(v) > 2*stddev {
			v = dist.Rand()
		}
		out[i] = v
	}
	return out
}

// debugging and clipping.

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := mat.Norm(g, 2)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return s
}

// ------- LR schedule: linear warmup, then cosine decay --------
func LRSchedule(step int, peak float64, warmup, decay int) float64 {
	if step <= 0 {
		return 0
	}
	if warmup > 0 && step < warmup {
		return peak * float64(step) / float64(warmup)
	}
	if decay > 0 {
		x := float64(step-warmup) / float64(decay)
		if x > 1 {
			x = 1
		} else if x < 0 {
			x = 0
		}
		return peak * 0.5 * (1 + math.Cos(math.Pi*x))
	}
	return peak
}

var (
	debug  bool
	logger = log.New(os.Stderr, "[debug] ", log.LstdFlags|log.Lmicroseconds)
)

func SetDebug(on bool) { debug = on }

func Debugf(format string, args ...any) {
	if debug {
		logger.Printf(format, args...)
	}
}

// SampleFromProbs draws an index from probs restricted to the topK most
// likely entries and then to the smallest prefix with mass >= topP.
// topK <= 0 and topP outside (0, 1) disable the respective filter.
func SampleFromProbs(probs []float64, topK int, topP float64, rng *rand.Rand) int {
	type kv struct {
		id  int
		val float64
	}
	arr := make([]kv, len(probs))
	sum := 0.0
	for i, p := range probs {
		arr[i] = kv{id: i, val: p}
		sum += p
	}
	for i := range arr {
		arr[i].val /= sum
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].val > arr[j].val })

	if topK > 0 && topK < len(arr) {
		arr = arr[:topK]
	}
	if topP > 0 && topP < 1 {
		cum := 0.0
		for i, e := range arr {
			cum += e.val
			if cum >= topP {
				arr = arr[:i+1]
				break
			}
		}
	}

	mass := 0.0
	for _, e := range arr {
		mass += e.val
	}
	u := rng.Float64() * mass
	for _, e := range arr {
		u -= e.val
		if u <= 0 {
			return e.id
		}
	}
	return arr[len(arr)-1].id
}
