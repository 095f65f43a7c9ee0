// Package precision holds parameter trees and the casts between the wide
// (host, float64) and narrow (accelerator, binary16) representations.
package precision

import (
	"fmt"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

type Dtype uint8

const (
	Wide   Dtype = iota // float64
	Narrow              // IEEE 754 binary16
)

func (d Dtype) String() string {
	switch d {
	case Wide:
		return "wide"
	case Narrow:
		return "narrow"
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Tensor is one leaf of a parameter tree. Exactly one of Wide/Narrow is
// populated, matching Dtype. Fields are exported for gob.
type Tensor struct {
	Rows, Cols int
	Dtype      Dtype
	Wide       []float64
	Narrow     []float16.Float16
}

func NewTensor(rows, cols int, dtype Dtype) *Tensor {
	t := &Tensor{Rows: rows, Cols: cols, Dtype: dtype}
	if dtype == Narrow {
		t.Narrow = make([]float16.Float16, rows*cols)
	} else {
		t.Wide = make([]float64, rows*cols)
	}
	return t
}

// FromDense copies d into a new tensor of the given dtype, rounding when
// narrow.
func FromDense(d *mat.Dense, dtype Dtype) *Tensor {
	r, c := d.Dims()
	t := NewTensor(r, c, dtype)
	for i := 0; i < r; i++ {
		row := d.RawRowView(i)
		for j, v := range row {
			t.set(i*c+j, v)
		}
	}
	return t
}

func (t *Tensor) Len() int { return t.Rows * t.Cols }

func (t *Tensor) at(k int) float64 {
	if t.Dtype == Narrow {
		return float64(t.Narrow[k].Float32())
	}
	return t.Wide[k]
}

func (t *Tensor) set(k int, v float64) {
	if t.Dtype == Narrow {
		t.Narrow[k] = float16.Fromfloat32(float32(v))
		return
	}
	t.Wide[k] = v
}

// Dense materialises a float64 compute copy. Narrow values are exactly
// representable, so this is lossless.
func (t *Tensor) Dense() *mat.Dense {
	data := make([]float64, t.Len())
	for k := range data {
		data[k] = t.at(k)
	}
	return mat.NewDense(t.Rows, t.Cols, data)
}

// View returns a *mat.Dense sharing storage with a wide tensor.
func (t *Tensor) View() *mat.Dense {
	if t.Dtype != Wide {
		panic("precision: View on narrow tensor")
	}
	return mat.NewDense(t.Rows, t.Cols, t.Wide)
}

// AddDense accumulates d in float64 and stores the sum back in the
// tensor's own dtype.
func (t *Tensor) AddDense(d *mat.Dense) {
	r, c := d.Dims()
	if r != t.Rows || c != t.Cols {
		panic(fmt.Sprintf("precision: AddDense shape (%d x %d) into (%d x %d)", r, c, t.Rows, t.Cols))
	}
	for i := 0; i < r; i++ {
		for j, v := range d.RawRowView(i) {
			k := i*c + j
			t.set(k, t.at(k)+v)
		}
	}
}

func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Rows: t.Rows, Cols: t.Cols, Dtype: t.Dtype}
	out.Wide = append([]float64(nil), t.Wide...)
	out.Narrow = append([]float16.Float16(nil), t.Narrow...)
	return out
}

// Cast returns t in the target dtype; t itself when it already matches.
func (t *Tensor) Cast(dtype Dtype) *Tensor {
	if t.Dtype == dtype {
		return t
	}
	out := NewTensor(t.Rows, t.Cols, dtype)
	for k := 0; k < t.Len(); k++ {
		out.set(k, t.at(k))
	}
	return out
}
