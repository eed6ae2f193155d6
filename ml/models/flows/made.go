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

// Package flows implements invertible normalizing-flow models: MADE-style
// masked autoregressive blocks, the IAF flow stacked from them, and the
// NFModel wrapper that makes a flow trainable against a standard normal
// prior.
package flows

import (
	"fmt"

	"github.com/sugatoray/benchmark-VAE/ml/graph"
	"github.com/sugatoray/benchmark-VAE/ml/layers"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

// MADE is one masked autoregressive block: a small MLP whose connectivity
// masks guarantee that output dimension i depends only on input dimensions
// j < i. The block emits a shift m and a pre-scale s per dimension.
//
// The strict triangular dependency is what keeps the Jacobian of the
// enclosing flow triangular, so its log-determinant is just the sum of the
// log-diagonal terms instead of a full determinant.
//
// Masks are computed once at construction from the Germain et al. degree
// assignment and are persisted with the block: a deserialized block restores
// them rather than rebuilding them.
type MADE struct {
	InputDim int
	Hidden   []*layers.MaskedLinear
	Out      *layers.MaskedLinear
}

// NewMADE creates a masked block for inputDim-dimensional data with nHidden
// hidden layers of hiddenSize units. The output layer is 2*inputDim wide:
// columns [0, D) are the shift m, columns [D, 2D) the pre-scale s.
func NewMADE(inputDim, hiddenSize, nHidden int) *MADE {
	// Degree assignment: inputs get 1..D; hidden units cycle through
	// 1..D-1; outputs replicate 1..D twice (for m and s).
	inDegrees := make([]int, inputDim)
	for i := range inDegrees {
		inDegrees[i] = i + 1
	}
	hiddenDegrees := func() []int {
		deg := make([]int, hiddenSize)
		for k := range deg {
			if inputDim > 1 {
				deg[k] = k%(inputDim-1) + 1
			} else {
				deg[k] = 1
			}
		}
		return deg
	}

	m := &MADE{InputDim: inputDim}
	prev := inDegrees
	for h := 0; h < nHidden; h++ {
		next := hiddenDegrees()
		mask := tensors.New(len(prev), len(next))
		for i, di := range prev {
			for j, dj := range next {
				if dj >= di {
					mask.Set(1, i, j)
				}
			}
		}
		m.Hidden = append(m.Hidden, layers.NewMaskedLinear(len(prev), len(next), mask))
		prev = next
	}

	// Output connectivity is strict (>) so output i never sees input i.
	outMask := tensors.New(len(prev), 2*inputDim)
	for i, di := range prev {
		for j := 0; j < 2*inputDim; j++ {
			if j%inputDim+1 > di {
				outMask.Set(1, i, j)
			}
		}
	}
	m.Out = layers.NewMaskedLinear(len(prev), 2*inputDim, outMask)
	return m
}

// Forward computes the shift and pre-scale for a (batch, D) node, each of
// shape (batch, D).
func (m *MADE) Forward(x *graph.Node) (shift, preScale *graph.Node) {
	h := x
	for _, layer := range m.Hidden {
		h = graph.ReLU(layer.Forward(h))
	}
	o := m.Out.Forward(h)
	return graph.SliceCols(o, 0, m.InputDim), graph.SliceCols(o, m.InputDim, 2*m.InputDim)
}

// Parameters returns the block's trainable tensors.
func (m *MADE) Parameters() []*tensors.Tensor {
	var params []*tensors.Tensor
	for _, l := range m.Hidden {
		params = append(params, l.Parameters()...)
	}
	return append(params, m.Out.Parameters()...)
}

// StateDict returns the block's named tensors, masks included.
func (m *MADE) StateDict() models.StateDict {
	sd := make(models.StateDict)
	for i, l := range m.Hidden {
		sd.Merge(fmt.Sprintf("hidden.%d.", i), l.StateDict())
	}
	sd.Merge("out.", m.Out.StateDict())
	return sd
}
