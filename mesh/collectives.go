package mesh

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/AMP4323/mesh-transformer-jax/utils"
)

type reduceOp int

const (
	opSum reduceOp = iota
	opMean
	opMax
	opGather
)

// group is a reusable rendezvous for the members of one axis. The last
// member to arrive combines the slots in member order, so every member
// observes a bit-identical result.
type group struct {
	rn   *run
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	arrived int
	op      reduceOp
	slots   [][]float64
	out     [][]float64
}

func newGroup(rn *run, size int) *group {
	g := &group{rn: rn, size: size, slots: make([][]float64, size)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *group) wake() {
	g.mu.Lock()
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *group) exchange(idx int, op reduceOp, buf []float64) [][]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rn.aborted.Load() {
		panic(ErrAborted)
	}
	if g.arrived == 0 {
		g.op = op
	} else if g.op != op {
		panic(fmt.Sprintf("mesh: collective mismatch, member %d issued op %d while group runs op %d", idx, op, g.op))
	}
	g.slots[idx] = buf
	g.arrived++
	gen := g.gen
	if g.arrived == g.size {
		g.out = combine(op, g.slots)
		g.slots = make([][]float64, g.size)
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for g.gen == gen && !g.rn.aborted.Load() {
			g.cond.Wait()
		}
		if g.gen == gen {
			panic(ErrAborted)
		}
	}
	return g.out
}

func combine(op reduceOp, slots [][]float64) [][]float64 {
	if op == opGather {
		out := make([][]float64, len(slots))
		for i, s := range slots {
			out[i] = append([]float64(nil), s...)
		}
		return out
	}
	n := len(slots[0])
	for i, s := range slots {
		if len(s) != n {
			panic(fmt.Sprintf("mesh: member %d sent %d values, member 0 sent %d", i, len(s), n))
		}
	}
	acc := append([]float64(nil), slots[0]...)
	for _, s := range slots[1:] {
		switch op {
		case opMax:
			for k, v := range s {
				acc[k] = math.Max(acc[k], v)
			}
		default:
			floats.Add(acc, s)
		}
	}
	if op == opMean {
		floats.Scale(1/float64(len(slots)), acc)
	}
	return [][]float64{acc}
}

// Axis is one device's handle on a mesh axis.
type Axis struct {
	name  string
	index int
	g     *group
}

func (a *Axis) Name() string { return a.name }
func (a *Axis) Size() int    { return a.g.size }
func (a *Axis) Index() int   { return a.index }

func (a *Axis) reduce(op reduceOp, buf []float64) {
	if a.g.size == 1 {
		return
	}
	out := a.g.exchange(a.index, op, buf)
	copy(buf, out[0])
}

// Sum replaces buf with the element-wise sum over the axis.
func (a *Axis) Sum(buf []float64) { a.reduce(opSum, buf) }

// Mean replaces buf with the element-wise mean over the axis.
func (a *Axis) Mean(buf []float64) { a.reduce(opMean, buf) }

// Max replaces buf with the element-wise maximum over the axis.
func (a *Axis) Max(buf []float64) { a.reduce(opMax, buf) }

// AllGather returns every member's buf in axis order. The caller's buf is
// not modified.
func (a *Axis) AllGather(buf []float64) [][]float64 {
	if a.g.size == 1 {
		return [][]float64{append([]float64(nil), buf...)}
	}
	return a.g.exchange(a.index, opGather, buf)
}

// SumDense and MeanDense reduce a contiguous matrix in place.
func (a *Axis) SumDense(m *mat.Dense)  { a.Sum(utils.Data(m)) }
func (a *Axis) MeanDense(m *mat.Dense) { a.Mean(utils.Data(m)) }
