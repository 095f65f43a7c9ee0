package precision

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Tree maps module name -> weight name -> tensor, one per shard.
type Tree map[string]map[string]*Tensor

// DenseTree is the float64 compute view of a Tree; gradients use it too.
type DenseTree map[string]map[string]*mat.Dense

// Leaf addresses one weight.
type Leaf struct {
	Module, Name string
}

func (l Leaf) String() string { return l.Module + "/" + l.Name }

func sortedLeaves[T any](t map[string]map[string]T) []Leaf {
	var out []Leaf
	for mod, ws := range t {
		for name := range ws {
			out = append(out, Leaf{mod, name})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Leaves lists every weight in a deterministic order.
func (t Tree) Leaves() []Leaf { return sortedLeaves(t) }

func (t Tree) Get(l Leaf) *Tensor { return t[l.Module][l.Name] }

func (t Tree) Set(l Leaf, v *Tensor) {
	if t[l.Module] == nil {
		t[l.Module] = map[string]*Tensor{}
	}
	t[l.Module][l.Name] = v
}

// Map applies fn to every leaf and returns a new tree of the same shape.
func (t Tree) Map(fn func(*Tensor) *Tensor) Tree {
	out := make(Tree, len(t))
	for mod, ws := range t {
		m := make(map[string]*Tensor, len(ws))
		for name, v := range ws {
			m[name] = fn(v)
		}
		out[mod] = m
	}
	return out
}

// Clone deep-copies every leaf.
func (t Tree) Clone() Tree { return t.Map((*Tensor).Clone) }

func (t Tree) Count() int {
	n := 0
	for _, ws := range t {
		for _, v := range ws {
			n += v.Len()
		}
	}
	return n
}

// Dense materialises the compute view of the tree.
func (t Tree) Dense() DenseTree {
	out := make(DenseTree, len(t))
	for mod, ws := range t {
		m := make(map[string]*mat.Dense, len(ws))
		for name, v := range ws {
			m[name] = v.Dense()
		}
		out[mod] = m
	}
	return out
}

// ZerosLike returns a tree of zero tensors of the given dtype.
func (t Tree) ZerosLike(dtype Dtype) Tree {
	return t.Map(func(v *Tensor) *Tensor { return NewTensor(v.Rows, v.Cols, dtype) })
}

// AddDense accumulates a gradient tree into t in place.
func (t Tree) AddDense(g DenseTree) {
	for _, l := range t.Leaves() {
		d := g.Get(l)
		if d == nil {
			panic(fmt.Sprintf("precision: gradient tree missing %s", l))
		}
		t.Get(l).AddDense(d)
	}
}

func (t DenseTree) Leaves() []Leaf { return sortedLeaves(t) }

func (t DenseTree) Get(l Leaf) *mat.Dense { return t[l.Module][l.Name] }

func (t DenseTree) Set(l Leaf, v *mat.Dense) {
	if t[l.Module] == nil {
		t[l.Module] = map[string]*mat.Dense{}
	}
	t[l.Module][l.Name] = v
}

func (t DenseTree) ZerosLike() DenseTree {
	out := make(DenseTree, len(t))
	for _, l := range t.Leaves() {
		r, c := t.Get(l).Dims()
		out.Set(l, mat.NewDense(r, c, nil))
	}
	return out
}

// Flatten concatenates every leaf in Leaves order, so a whole tree moves
// through a single collective.
func (t DenseTree) Flatten() []float64 {
	var out []float64
	for _, l := range t.Leaves() {
		m := t.Get(l)
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			out = append(out, m.RawRowView(i)...)
		}
	}
	return out
}

// Unflatten is the inverse of Flatten; buf must come from a tree of the
// same shape.
func (t DenseTree) Unflatten(buf []float64) {
	off := 0
	for _, l := range t.Leaves() {
		m := t.Get(l)
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			copy(m.RawRowView(i), buf[off:off+c])
			off += c
		}
	}
	if off != len(buf) {
		panic(fmt.Sprintf("precision: Unflatten consumed %d of %d values", off, len(buf)))
	}
}

func (t DenseTree) Scale(s float64) {
	for _, l := range t.Leaves() {
		m := t.Get(l)
		m.Scale(s, m)
	}
}

// ToTree rounds a dense tree into tensors of the given dtype.
func (t DenseTree) ToTree(dtype Dtype) Tree {
	out := Tree{}
	for _, l := range t.Leaves() {
		out.Set(l, FromDense(t.Get(l), dtype))
	}
	return out
}
