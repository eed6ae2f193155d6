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

// Package models defines the contracts shared by every generative model in
// the framework -- the Model interface, its configuration and output value
// objects, the encoder/decoder capability interfaces for custom
// sub-architectures -- and the persistence subsystem that saves models to and
// reconstructs them from checkpoint directories (see SaveModel,
// LoadFromFolder and the registry in automodel.go).
package models

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/sugatoray/benchmark-VAE/ml/graph"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

// Config describes a model's hyperparameters and architecture flags. Each
// concrete model defines its own config struct embedding BaseConfig; the
// embedded Name is the discriminator the registry dispatches on when loading
// a saved model directory.
type Config interface {
	// ModelName returns the discriminator string, e.g. "IAF" or "WAE_MMD".
	ModelName() string

	// Base gives access to the shared fields.
	Base() *BaseConfig
}

// BaseConfig holds the fields common to every model configuration. The
// uses_default_* flags are derived by the model constructor -- never set
// them directly.
type BaseConfig struct {
	Name               string `json:"name"`
	InputDim           []int  `json:"input_dim,omitempty"`
	LatentDim          int    `json:"latent_dim,omitempty"`
	UsesDefaultEncoder bool   `json:"uses_default_encoder"`
	UsesDefaultDecoder bool   `json:"uses_default_decoder"`
}

// ModelName implements Config.
func (c *BaseConfig) ModelName() string { return c.Name }

// Base implements Config.
func (c *BaseConfig) Base() *BaseConfig { return c }

// FlatInputDim returns the product of the configured input shape tuple: the
// flattened per-sample dimensionality. Zero if input_dim is unset.
func (c *BaseConfig) FlatInputDim() int {
	if len(c.InputDim) == 0 {
		return 0
	}
	size := 1
	for _, d := range c.InputDim {
		size *= d
	}
	return size
}

// Model is the contract every trainable model satisfies. A model owns its
// parameter state and its named sub-architectures exclusively; the
// persistence subsystem retains no references after a save or load.
type Model interface {
	// Name returns the model discriminator, e.g. "IAF".
	Name() string

	// Config returns the model's configuration.
	Config() Config

	// Forward runs the model on a batch of inputs, shaped (batch, dims...).
	// In training the returned output carries at least a scalar "loss" node.
	Forward(inputs *tensors.Tensor) (ModelOutput, error)

	// Parameters returns the trainable parameter tensors, for optimizers.
	Parameters() []*tensors.Tensor

	// StateDict returns the full mapping of parameter tensors, including
	// non-trainable structural state.
	StateDict() StateDict

	// LoadStateDict restores parameter values from a state dict.
	LoadStateDict(sd StateDict) error

	// Save persists the model to a directory. See SaveModel for the
	// artifact layout.
	Save(dirPath string) error
}

// Encoder is the capability contract for encoder networks: mapping a batch
// of flattened inputs (batch, input_dim) to embeddings (batch, latent_dim).
// Custom encoders replacing the framework default must satisfy it and are
// structurally probed at model construction (see CheckEncoder).
type Encoder interface {
	Encode(x *graph.Node) *graph.Node
	Parameters() []*tensors.Tensor
	StateDict() StateDict
	LoadStateDict(sd StateDict) error
}

// Decoder is the capability contract for decoder networks: mapping a batch
// of embeddings (batch, latent_dim) to reconstructions (batch, input_dim).
type Decoder interface {
	Decode(z *graph.Node) *graph.Node
	Parameters() []*tensors.Tensor
	StateDict() StateDict
	LoadStateDict(sd StateDict) error
}

// HasEncoder is implemented by models owning a named encoder
// sub-architecture. The persistence subsystem uses it to serialize custom
// encoders into their own artifact.
type HasEncoder interface {
	Encoder() Encoder
}

// HasDecoder is the decoder counterpart of HasEncoder.
type HasDecoder interface {
	Decoder() Decoder
}

// CheckEncoder structurally verifies a custom encoder: it runs a zero batch
// through it and requires an output of shape (1, latentDim). A panicking or
// misshaped encoder yields a BadInheritanceError.
func CheckEncoder(enc Encoder, inputDim, latentDim int) error {
	var out *graph.Node
	err := exceptions.TryCatch[error](func() {
		out = enc.Encode(graph.Const(tensors.New(1, inputDim)))
	})
	if err != nil {
		return &BadInheritanceError{Arch: "encoder", Reason: err.Error()}
	}
	if out == nil {
		return &BadInheritanceError{Arch: "encoder", Reason: "probe returned no embedding"}
	}
	dims := out.Dims()
	if len(dims) != 2 || dims[0] != 1 || dims[1] != latentDim {
		return &BadInheritanceError{
			Arch:   "encoder",
			Reason: fmt.Sprintf("probe produced embedding of shape %v, want (1, %d)", dims, latentDim),
		}
	}
	return nil
}

// CheckDecoder structurally verifies a custom decoder: probing with a zero
// embedding must produce a reconstruction of shape (1, inputDim).
func CheckDecoder(dec Decoder, inputDim, latentDim int) error {
	var out *graph.Node
	err := exceptions.TryCatch[error](func() {
		out = dec.Decode(graph.Const(tensors.New(1, latentDim)))
	})
	if err != nil {
		return &BadInheritanceError{Arch: "decoder", Reason: err.Error()}
	}
	if out == nil {
		return &BadInheritanceError{Arch: "decoder", Reason: "probe returned no reconstruction"}
	}
	dims := out.Dims()
	if len(dims) != 2 || dims[0] != 1 || dims[1] != inputDim {
		return &BadInheritanceError{
			Arch:   "decoder",
			Reason: fmt.Sprintf("probe produced reconstruction of shape %v, want (1, %d)", dims, inputDim),
		}
	}
	return nil
}
