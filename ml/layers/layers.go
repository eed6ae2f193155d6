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

// Package layers provides the network building blocks used by the built-in
// models: dense layers, their masked (autoregressive) variant and the default
// MLP encoder/decoder sub-architectures.
//
// All layers are plain structs with exported tensor fields so they serialize
// with encoding/gob -- the persistence subsystem stores custom
// sub-architectures as opaque gob artifacts.
package layers

import (
	"encoding/gob"
	"fmt"
	"math"
	"sync"

	"github.com/sugatoray/benchmark-VAE/ml/graph"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

func init() {
	// The default sub-architectures must be reconstructable from their gob
	// artifacts even when a caller passed them explicitly as "custom".
	gob.Register(&Linear{})
	gob.Register(&MaskedLinear{})
	gob.Register(&MLPEncoder{})
	gob.Register(&MLPDecoder{})
}

var (
	rngMu sync.Mutex
	rng   = exprand.New(exprand.NewSource(42))
)

// SeedRNG reseeds the package-wide initializer randomness. Layers created
// after the call are deterministic functions of the seed.
func SeedRNG(seed uint64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	rng = exprand.New(exprand.NewSource(seed))
}

// initNormal fills t with N(0, stddev²) draws.
func initNormal(t *tensors.Tensor, stddev float64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	dist := distuv.Normal{Mu: 0, Sigma: stddev, Src: rng}
	flat := t.Flat()
	for i := range flat {
		flat[i] = dist.Rand()
	}
}

// Linear is a dense layer computing x@W + b.
type Linear struct {
	Weight *tensors.Tensor // (in, out)
	Bias   *tensors.Tensor // (out,)
}

// NewLinear creates a dense layer with LeCun-style 1/sqrt(fan-in) normal
// initialization and zero bias.
func NewLinear(in, out int) *Linear {
	l := &Linear{
		Weight: tensors.New(in, out),
		Bias:   tensors.New(out),
	}
	initNormal(l.Weight, 1/sqrtf(in))
	return l
}

// Forward applies the layer to a (batch, in) node.
func (l *Linear) Forward(x *graph.Node) *graph.Node {
	return graph.Add(graph.MatMul(x, graph.Param(l.Weight)), graph.Param(l.Bias))
}

// Parameters returns the trainable tensors.
func (l *Linear) Parameters() []*tensors.Tensor {
	return []*tensors.Tensor{l.Weight, l.Bias}
}

// StateDict returns the layer's named tensors.
func (l *Linear) StateDict() models.StateDict {
	return models.StateDict{"weight": l.Weight, "bias": l.Bias}
}

// MaskedLinear is a dense layer whose weight matrix is elementwise gated by a
// fixed binary mask: x @ (W*M) + b. The mask encodes the autoregressive
// connectivity of MADE-style blocks; it is part of the layer's persisted
// state and is restored on load, never recomputed.
type MaskedLinear struct {
	Weight *tensors.Tensor // (in, out)
	Bias   *tensors.Tensor // (out,)
	Mask   *tensors.Tensor // (in, out), binary, fixed at construction
}

// NewMaskedLinear creates a masked dense layer. The mask is kept by
// reference and must not be mutated afterwards.
func NewMaskedLinear(in, out int, mask *tensors.Tensor) *MaskedLinear {
	l := &MaskedLinear{
		Weight: tensors.New(in, out),
		Bias:   tensors.New(out),
		Mask:   mask,
	}
	initNormal(l.Weight, 1/sqrtf(in))
	return l
}

// Forward applies the masked layer to a (batch, in) node. The mask enters
// the computation as a constant, so gradients flow only to permitted weights.
func (l *MaskedLinear) Forward(x *graph.Node) *graph.Node {
	masked := graph.Mul(graph.Param(l.Weight), graph.Const(l.Mask))
	return graph.Add(graph.MatMul(x, masked), graph.Param(l.Bias))
}

// Parameters returns the trainable tensors. The mask is structural state,
// not a parameter.
func (l *MaskedLinear) Parameters() []*tensors.Tensor {
	return []*tensors.Tensor{l.Weight, l.Bias}
}

// StateDict returns the layer's named tensors, mask included.
func (l *MaskedLinear) StateDict() models.StateDict {
	return models.StateDict{"weight": l.Weight, "bias": l.Bias, "mask": l.Mask}
}

// MLPEncoder is the framework-default encoder: a one-hidden-layer ReLU MLP
// from flattened inputs to embeddings. It is fully reconstructable from a
// model config, so models using it skip the encoder artifact when saving.
type MLPEncoder struct {
	Layers    []*Linear
	LatentDim int
}

// DefaultHiddenSize is the hidden width of the default MLP sub-architectures.
const DefaultHiddenSize = 512

// NewMLPEncoder creates the default encoder for the given flattened input
// dimension and latent dimension.
func NewMLPEncoder(inputDim, latentDim int) *MLPEncoder {
	return &MLPEncoder{
		Layers:    []*Linear{NewLinear(inputDim, DefaultHiddenSize), NewLinear(DefaultHiddenSize, latentDim)},
		LatentDim: latentDim,
	}
}

// Encode implements models.Encoder.
func (e *MLPEncoder) Encode(x *graph.Node) *graph.Node {
	h := graph.ReLU(e.Layers[0].Forward(x))
	return e.Layers[1].Forward(h)
}

// Parameters implements models.Encoder.
func (e *MLPEncoder) Parameters() []*tensors.Tensor {
	return collectParameters(e.Layers)
}

// StateDict implements models.Encoder.
func (e *MLPEncoder) StateDict() models.StateDict {
	return layersStateDict(e.Layers)
}

// LoadStateDict implements models.Encoder.
func (e *MLPEncoder) LoadStateDict(sd models.StateDict) error {
	return sd.CopyInto(e.StateDict())
}

// MLPDecoder is the framework-default decoder: a one-hidden-layer ReLU MLP
// from embeddings back to flattened inputs, with a sigmoid output activation.
type MLPDecoder struct {
	Layers    []*Linear
	OutputDim int
}

// NewMLPDecoder creates the default decoder for the given latent dimension
// and flattened output dimension.
func NewMLPDecoder(latentDim, outputDim int) *MLPDecoder {
	return &MLPDecoder{
		Layers:    []*Linear{NewLinear(latentDim, DefaultHiddenSize), NewLinear(DefaultHiddenSize, outputDim)},
		OutputDim: outputDim,
	}
}

// Decode implements models.Decoder.
func (d *MLPDecoder) Decode(z *graph.Node) *graph.Node {
	h := graph.ReLU(d.Layers[0].Forward(z))
	return graph.Sigmoid(d.Layers[1].Forward(h))
}

// Parameters implements models.Decoder.
func (d *MLPDecoder) Parameters() []*tensors.Tensor {
	return collectParameters(d.Layers)
}

// StateDict implements models.Decoder.
func (d *MLPDecoder) StateDict() models.StateDict {
	return layersStateDict(d.Layers)
}

// LoadStateDict implements models.Decoder.
func (d *MLPDecoder) LoadStateDict(sd models.StateDict) error {
	return sd.CopyInto(d.StateDict())
}

func collectParameters(layers []*Linear) []*tensors.Tensor {
	var params []*tensors.Tensor
	for _, l := range layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

func layersStateDict(layers []*Linear) models.StateDict {
	sd := make(models.StateDict)
	for i, l := range layers {
		sd.Merge(fmt.Sprintf("layers.%d.", i), l.StateDict())
	}
	return sd
}

func sqrtf(n int) float64 {
	return math.Sqrt(float64(n))
}
