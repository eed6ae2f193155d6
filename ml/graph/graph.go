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

// Package graph implements eager reverse-mode automatic differentiation over
// tensors.Tensor values.
//
// Every operation (Add, MatMul, Exp, ...) immediately computes its result and
// records a vector-Jacobian product closure. Calling Backward on a scalar
// node (typically the loss) walks the recorded computation in reverse
// topological order and accumulates gradients into the Grad buffer of every
// Param leaf reached.
//
// Const leaves take part in the computation but receive no gradient: use them
// for inputs, masks and other non-trainable values.
//
// Nodes are transient: models build a fresh (small) graph per step and drop
// it after the optimizer consumed the parameter gradients.
package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

// Node is one value in the recorded computation. Nodes are created by Param,
// Const and the operations in this package; treat them as immutable.
type Node struct {
	value *tensors.Tensor

	// param is set for Param leaves: Backward accumulates into param.Grad().
	param *tensors.Tensor

	inputs []*Node

	// vjp propagates outGrad (the gradient of the loss w.r.t. this node's
	// value, flat layout) into the grad buffers of this node's inputs.
	// It is nil for leaves.
	vjp func(outGrad []float64)

	// grad is the flat gradient buffer, allocated during Backward only.
	grad []float64
}

// Param creates a leaf node for a trainable parameter. Gradients flow into
// t.Grad() during Backward.
func Param(t *tensors.Tensor) *Node {
	return &Node{value: t, param: t}
}

// Const creates a leaf node that takes no gradient.
func Const(t *tensors.Tensor) *Node {
	return &Node{value: t}
}

// ConstScalar creates a scalar constant node.
func ConstScalar(value float64) *Node {
	return Const(tensors.FromValue(value))
}

// Value returns the tensor held by the node. The graph owns it, treat it as
// read-only.
func (n *Node) Value() *tensors.Tensor { return n.value }

// Dims is a shortcut for n.Value().Dims().
func (n *Node) Dims() []int { return n.value.Dims() }

// newNode creates an interior node with the given computed value, inputs and
// vector-Jacobian product.
func newNode(value *tensors.Tensor, vjp func(outGrad []float64), inputs ...*Node) *Node {
	return &Node{value: value, inputs: inputs, vjp: vjp}
}

// gradBuffer returns the node's backward accumulation buffer, allocating it
// on first use. Only valid during Backward.
func (n *Node) gradBuffer() []float64 {
	if n.grad == nil {
		n.grad = make([]float64, n.value.Size())
	}
	return n.grad
}

// Backward computes gradients of the given scalar node with respect to every
// Param leaf in its recorded computation, accumulating into each parameter's
// Grad buffer. Call Optimizer.ZeroGrad (or Tensor.ZeroGrad) between steps.
func Backward(root *Node) {
	if root.value.Size() != 1 {
		exceptions.Panicf("graph.Backward: root node must be scalar, got shape %v", root.value.Dims())
	}

	// Reverse topological order of the computation DAG.
	var topo []*Node
	visited := make(map[*Node]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, in := range n.inputs {
			visit(in)
		}
		topo = append(topo, n)
	}
	visit(root)

	root.gradBuffer()[0] = 1
	for i := len(topo) - 1; i >= 0; i-- {
		n := topo[i]
		if n.grad == nil {
			// Nothing downstream contributed a gradient to this node.
			continue
		}
		if n.param != nil {
			pGrad := n.param.Grad()
			for j, g := range n.grad {
				pGrad[j] += g
			}
			continue
		}
		if n.vjp == nil {
			continue
		}
		for _, in := range n.inputs {
			in.gradBuffer()
		}
		n.vjp(n.grad)
	}

	// Release backward buffers: nodes may still be inspected after Backward.
	for _, n := range topo {
		n.grad = nil
	}
}
