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

// Package samplers turns trained generative models into data generators.
package samplers

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sugatoray/benchmark-VAE/ml/graph"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Sampler generates batches of synthetic examples from a trained model.
type Sampler interface {
	// Sample generates numSamples examples, shaped (numSamples, dims...).
	Sample(numSamples int) (*tensors.Tensor, error)
}

// Invertible is satisfied by flow models that map latents back to data.
type Invertible interface {
	Inverse(z *tensors.Tensor) (models.ModelOutput, error)
	InputDim() int
}

// NormalSampler draws latents from a standard normal and maps them to data
// space through the model: decoder models decode them, invertible flows run
// them through the inverse transform.
type NormalSampler struct {
	model models.Model

	// decode/invert: exactly one is set, chosen at construction.
	decoder models.Decoder
	flow    Invertible

	latentDim int

	mu  sync.Mutex
	rng *exprand.Rand
}

// NewNormalSampler builds a sampler for the given model. It fails if the
// model can neither decode latents nor invert them.
func NewNormalSampler(model models.Model) (*NormalSampler, error) {
	s := &NormalSampler{
		model: model,
		rng:   exprand.New(exprand.NewSource(42)),
	}
	switch m := model.(type) {
	case Invertible:
		s.flow = m
		s.latentDim = m.InputDim()
	case models.HasDecoder:
		s.decoder = m.Decoder()
		s.latentDim = model.Config().Base().LatentDim
	default:
		return nil, errors.Errorf("model %q exposes neither a decoder nor an inverse transform, cannot sample from it",
			model.Name())
	}
	if s.latentDim < 1 {
		return nil, errors.Errorf("model %q has no usable latent dimension", model.Name())
	}
	return s, nil
}

// SeedRNG reseeds the sampler's randomness.
func (s *NormalSampler) SeedRNG(seed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = exprand.New(exprand.NewSource(seed))
}

// Sample implements Sampler.
func (s *NormalSampler) Sample(numSamples int) (*tensors.Tensor, error) {
	if numSamples < 1 {
		return nil, errors.Errorf("numSamples must be at least 1, got %d", numSamples)
	}
	z := s.sampleLatents(numSamples)
	if s.flow != nil {
		out, err := s.flow.Inverse(z)
		if err != nil {
			return nil, errors.WithMessagef(err, "inverting %d latents through model %q", numSamples, s.model.Name())
		}
		return out.Tensor("out"), nil
	}
	return s.decodeLatents(z)
}

func (s *NormalSampler) sampleLatents(numSamples int) *tensors.Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: s.rng}
	z := tensors.New(numSamples, s.latentDim)
	flat := z.Flat()
	for i := range flat {
		flat[i] = dist.Rand()
	}
	return z
}

func (s *NormalSampler) decodeLatents(z *tensors.Tensor) (*tensors.Tensor, error) {
	node := s.decoder.Decode(graph.Const(z))
	if node == nil {
		return nil, errors.Errorf("decoder of model %q returned no reconstruction", s.model.Name())
	}
	return node.Value(), nil
}
