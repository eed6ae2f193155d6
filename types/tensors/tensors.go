/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements a dense float64 tensor used as the unit of data
// and of model parameters throughout the framework.
//
// A Tensor holds its shape (dimensions), a flat row-major data buffer and a
// lazily allocated gradient buffer of the same size, filled in by the
// reverse-mode differentiation in the graph package.
//
// Tensors serialize with encoding/gob (see Tensor.GobEncode), and can be
// saved to / loaded from individual files with Save and Load. Serialization
// is exact: a round trip reproduces bit-identical values.
package tensors

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tensor is a dense float64 tensor. The zero value is not usable, create
// tensors with New, FromFlat or FromValue.
//
// The public accessors never mutate shape. Data contents can be mutated with
// Set / SetFlat -- tensors are not thread-safe, callers must serialize access.
type Tensor struct {
	dims []int
	data []float64

	// grad is allocated on the first call to Grad(). It accumulates the
	// gradient of some scalar (typically a loss) with respect to this tensor.
	grad []float64
}

// New creates a zero-initialized tensor with the given dimensions.
// A tensor with no dimensions is a scalar.
func New(dims ...int) *Tensor {
	size := 1
	for _, d := range dims {
		if d <= 0 {
			exceptions.Panicf("tensors.New: invalid dimension %d in %v", d, dims)
		}
		size *= d
	}
	return &Tensor{
		dims: append([]int{}, dims...),
		data: make([]float64, size),
	}
}

// FromFlat creates a tensor with the given dimensions, taking ownership of
// the flat row-major data slice. The data length must match the shape size.
func FromFlat(data []float64, dims ...int) *Tensor {
	t := New(dims...)
	if len(data) != len(t.data) {
		exceptions.Panicf("tensors.FromFlat: data has %d values, shape %v requires %d",
			len(data), dims, len(t.data))
	}
	t.data = data
	return t
}

// FromValue creates a scalar tensor.
func FromValue(value float64) *Tensor {
	t := New()
	t.data[0] = value
	return t
}

// Dims returns the dimensions of the tensor. The returned slice is owned by
// the tensor, don't change it.
func (t *Tensor) Dims() []int { return t.dims }

// Rank returns the number of dimensions. Scalars have rank 0.
func (t *Tensor) Rank() int { return len(t.dims) }

// Size returns the total number of values stored.
func (t *Tensor) Size() int { return len(t.data) }

// Dim returns the size of the given axis.
func (t *Tensor) Dim(axis int) int {
	if axis < 0 || axis >= len(t.dims) {
		exceptions.Panicf("tensors.Dim: axis %d out of range for rank %d", axis, len(t.dims))
	}
	return t.dims[axis]
}

// IsScalar returns whether the tensor holds a single value.
func (t *Tensor) IsScalar() bool { return len(t.dims) == 0 }

// Value returns the value of a scalar tensor.
func (t *Tensor) Value() float64 {
	if !t.IsScalar() && t.Size() != 1 {
		exceptions.Panicf("tensors.Value: tensor with shape %v is not a scalar", t.dims)
	}
	return t.data[0]
}

// Flat returns the underlying row-major data. The slice is owned by the
// tensor: mutating it mutates the tensor.
func (t *Tensor) Flat() []float64 { return t.data }

// At returns the value at the given indices, one per axis.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set assigns the value at the given indices, one per axis.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.dims) {
		exceptions.Panicf("tensors: got %d indices for tensor of rank %d", len(indices), len(t.dims))
	}
	flat := 0
	for axis, idx := range indices {
		if idx < 0 || idx >= t.dims[axis] {
			exceptions.Panicf("tensors: index %d out of range for axis %d (size %d)", idx, axis, t.dims[axis])
		}
		flat = flat*t.dims[axis] + idx
	}
	return flat
}

// Grad returns the gradient buffer, allocating it (zero-initialized) on the
// first call. It has the same flat layout as Flat.
func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return t.grad
}

// HasGrad returns whether a gradient buffer was allocated.
func (t *Tensor) HasGrad() bool { return t.grad != nil }

// ZeroGrad resets the gradient buffer to zeros, if one was allocated.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone returns a deep copy of the tensor values. The gradient buffer is not
// copied.
func (t *Tensor) Clone() *Tensor {
	c := New(t.dims...)
	copy(c.data, t.data)
	return c
}

// Equal returns whether both tensors have the same shape and bit-for-bit
// equal values. Gradients are not compared.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || len(t.dims) != len(other.dims) {
		return false
	}
	for i, d := range t.dims {
		if other.dims[i] != d {
			return false
		}
	}
	for i, v := range t.data {
		if other.data[i] != v {
			return false
		}
	}
	return true
}

// SameShape returns whether both tensors have identical dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	if len(t.dims) != len(other.dims) {
		return false
	}
	for i, d := range t.dims {
		if other.dims[i] != d {
			return false
		}
	}
	return true
}

// Reshape returns a tensor with the given dimensions sharing the same data
// buffer. The new shape must hold exactly the same number of values.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	if size != len(t.data) {
		exceptions.Panicf("tensors.Reshape: cannot reshape %v (%d values) to %v (%d values)",
			t.dims, len(t.data), dims, size)
	}
	return &Tensor{dims: append([]int{}, dims...), data: t.data}
}

// SliceRows returns a copy of rows [from, to) along the leading axis.
func (t *Tensor) SliceRows(from, to int) *Tensor {
	if t.Rank() < 1 {
		exceptions.Panicf("tensors.SliceRows: cannot slice a scalar")
	}
	rows := t.dims[0]
	if from < 0 || to > rows || from >= to {
		exceptions.Panicf("tensors.SliceRows: invalid range [%d, %d) for %d rows", from, to, rows)
	}
	rowSize := len(t.data) / rows
	outDims := append([]int{to - from}, t.dims[1:]...)
	out := New(outDims...)
	copy(out.data, t.data[from*rowSize:to*rowSize])
	return out
}

// String implements fmt.Stringer. Large tensors are abbreviated.
func (t *Tensor) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "tensors.Tensor(%v)", t.dims)
	if t.Size() <= 8 {
		_, _ = fmt.Fprintf(&sb, "%v", t.data)
	} else {
		_, _ = fmt.Fprintf(&sb, "[%v %v ... %v]", t.data[0], t.data[1], t.data[len(t.data)-1])
	}
	return sb.String()
}

// gobTensor is the wire format of a Tensor. Gradients are transient state
// and deliberately not serialized.
type gobTensor struct {
	Dims []int
	Data []float64
}

// GobEncode implements gob.GobEncoder.
func (t *Tensor) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err := enc.Encode(gobTensor{Dims: t.dims, Data: t.data})
	if err != nil {
		return nil, errors.Wrap(err, "failed to gob-encode tensor")
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (t *Tensor) GobDecode(raw []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(raw))
	var gt gobTensor
	if err := dec.Decode(&gt); err != nil {
		return errors.Wrap(err, "failed to gob-decode tensor")
	}
	size := 1
	for _, d := range gt.Dims {
		size *= d
	}
	if len(gt.Data) != size {
		return errors.Errorf("decoded tensor has %d values, but shape %v requires %d",
			len(gt.Data), gt.Dims, size)
	}
	t.dims = gt.Dims
	if t.dims == nil {
		t.dims = []int{}
	}
	t.data = gt.Data
	t.grad = nil
	return nil
}

// Save serializes the tensor to the given file path.
func (t *Tensor) Save(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q to save tensor", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(t); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write tensor to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q after saving tensor", filePath)
	}
	return nil
}

// Load reads a tensor saved with Save.
func Load(filePath string) (*Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q to load tensor", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	t := &Tensor{}
	if err = dec.Decode(t); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tensor from %q", filePath)
	}
	return t, nil
}
