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

package flows

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/sugatoray/benchmark-VAE/ml/graph"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

// ModelNameIAF is the registry discriminator of the IAF flow.
const ModelNameIAF = "IAF"

func init() {
	models.Register(ModelNameIAF, func(dirPath string) (models.Model, error) {
		return LoadFromFolder(dirPath)
	})
}

// scaleFloor keeps per-dimension scales strictly positive: sigma =
// softplus(s) + scaleFloor, so log(sigma) in the Jacobian log-determinant
// never reaches -inf even for arbitrarily negative pre-scales.
const scaleFloor = 1e-4

// IAFConfig configures an IAF flow. InputDim is the per-sample shape tuple;
// it must be set before construction since the masked blocks are shaped from
// its flattened product.
type IAFConfig struct {
	models.BaseConfig

	NMadeBlocks   int `json:"n_made_blocks"`
	NHiddenInMade int `json:"n_hidden_in_made"`
	HiddenSize    int `json:"hidden_size"`
}

// NewIAFConfig returns an IAFConfig with the default architecture
// hyperparameters. InputDim is left unset and must be filled by the caller.
func NewIAFConfig() *IAFConfig {
	return &IAFConfig{
		NMadeBlocks:   2,
		NHiddenInMade: 3,
		HiddenSize:    128,
	}
}

// IAF is an inverse autoregressive flow: a stack of MADE blocks with a
// column-reversal permutation between consecutive blocks.
//
// Forward maps data to latents in one parallel pass, accumulating
// log|det J|; Inverse maps latents back to data with a sequential
// per-dimension solve and accumulates the inverse transform's log|det J|.
// Composing Forward then Inverse is the identity up to float tolerance.
type IAF struct {
	config   *IAFConfig
	inputDim int
	blocks   []*MADE

	// perm reverses column order between blocks; its own inverse.
	perm []int
}

// NewIAF builds the flow described by config. It fails with a
// models.ConfigError if input_dim is unset or the architecture
// hyperparameters are not positive.
func NewIAF(config *IAFConfig) (*IAF, error) {
	if config == nil {
		config = NewIAFConfig()
	}
	inputDim := config.FlatInputDim()
	if inputDim == 0 {
		return nil, models.ConfigErrorf("no input_dim provided: the masked blocks of %q cannot be shaped", ModelNameIAF)
	}
	if config.NMadeBlocks < 1 || config.NHiddenInMade < 1 || config.HiddenSize < 1 {
		return nil, models.ConfigErrorf(
			"n_made_blocks (%d), n_hidden_in_made (%d) and hidden_size (%d) must all be positive",
			config.NMadeBlocks, config.NHiddenInMade, config.HiddenSize)
	}
	config.Name = ModelNameIAF
	config.UsesDefaultEncoder = true
	config.UsesDefaultDecoder = true

	flow := &IAF{
		config:   config,
		inputDim: inputDim,
		perm:     make([]int, inputDim),
	}
	for i := range flow.perm {
		flow.perm[i] = inputDim - 1 - i
	}
	for b := 0; b < config.NMadeBlocks; b++ {
		flow.blocks = append(flow.blocks, NewMADE(inputDim, config.HiddenSize, config.NHiddenInMade))
	}
	return flow, nil
}

// Name implements models.Model.
func (f *IAF) Name() string { return ModelNameIAF }

// Config implements models.Model.
func (f *IAF) Config() models.Config { return f.config }

// InputDim returns the flattened per-sample dimensionality, the product of
// the configured input shape tuple.
func (f *IAF) InputDim() int { return f.inputDim }

// flattenBatch reshapes (batch, dims...) inputs to (batch, inputDim),
// validating the per-sample size.
func (f *IAF) flattenBatch(inputs *tensors.Tensor) (*tensors.Tensor, error) {
	if inputs.Rank() < 1 {
		return nil, errors.Errorf("%s: inputs must be a batch, got a scalar", ModelNameIAF)
	}
	batch := inputs.Dim(0)
	if batch == 0 || inputs.Size()/batch != f.inputDim {
		return nil, errors.Errorf("%s: inputs of shape %v do not flatten to %d values per sample",
			ModelNameIAF, inputs.Dims(), f.inputDim)
	}
	return inputs.Reshape(batch, f.inputDim), nil
}

// forwardNodes builds the data-to-latent transform graph: per block
// y = y*sigma + m with sigma = softplus(s) + floor, reversing column order
// between blocks. Returns the output node and the per-row log|det J|, which
// is the running sum of log(sigma) terms -- the closed-form determinant the
// triangular masking buys.
func (f *IAF) forwardNodes(x *graph.Node) (out, logAbsDetJac *graph.Node) {
	y := x
	for i, block := range f.blocks {
		shift, preScale := block.Forward(y)
		sigma := graph.AddScalar(graph.Softplus(preScale), scaleFloor)
		y = graph.Add(graph.Mul(y, sigma), shift)
		term := graph.SumRows(graph.Log(sigma))
		if logAbsDetJac == nil {
			logAbsDetJac = term
		} else {
			logAbsDetJac = graph.Add(logAbsDetJac, term)
		}
		if i < len(f.blocks)-1 {
			y = graph.PermuteCols(y, f.perm)
		}
	}
	return y, logAbsDetJac
}

// Forward maps a batch of data to latents. The output carries
// {out, log_abs_det_jac}: out has shape (batch, input_dim) -- the flattened
// input dimensionality -- and log_abs_det_jac one value per row.
func (f *IAF) Forward(inputs *tensors.Tensor) (models.ModelOutput, error) {
	flat, err := f.flattenBatch(inputs)
	if err != nil {
		return nil, err
	}
	out, ladj := f.forwardNodes(graph.Const(flat))
	return models.ModelOutput{"out": out, "log_abs_det_jac": ladj}, nil
}

// Inverse maps a batch of latents back to data, structurally mirroring
// Forward: the output carries {out, log_abs_det_jac}, with log_abs_det_jac
// accumulating the inverse transform's -log(sigma) terms.
//
// Each block is undone with the usual sequential solve: dimension i of the
// block input only needs dimensions j < i, which are already known.
func (f *IAF) Inverse(z *tensors.Tensor) (models.ModelOutput, error) {
	flat, err := f.flattenBatch(z)
	if err != nil {
		return nil, err
	}
	batch := flat.Dim(0)
	y := flat.Clone()
	ladj := tensors.New(batch)

	for b := len(f.blocks) - 1; b >= 0; b-- {
		if b < len(f.blocks)-1 {
			y = permuteColsTensor(y, f.perm)
		}
		x := tensors.New(batch, f.inputDim)
		var sigma *tensors.Tensor
		for dim := 0; dim < f.inputDim; dim++ {
			shift, preScale := f.blocks[b].Forward(graph.Const(x))
			sigma = softplusTensor(preScale.Value())
			for r := 0; r < batch; r++ {
				x.Set((y.At(r, dim)-shift.Value().At(r, dim))/sigma.At(r, dim), r, dim)
			}
		}
		for r := 0; r < batch; r++ {
			for dim := 0; dim < f.inputDim; dim++ {
				ladj.Set(ladj.At(r)-math.Log(sigma.At(r, dim)), r)
			}
		}
		y = x
	}
	return models.ModelOutput{
		"out":             graph.Const(y),
		"log_abs_det_jac": graph.Const(ladj),
	}, nil
}

func permuteColsTensor(t *tensors.Tensor, perm []int) *tensors.Tensor {
	// Undoing the forward pass permutation: the reversal is self-inverse.
	rows, cols := t.Dim(0), t.Dim(1)
	out := tensors.New(rows, cols)
	for r := 0; r < rows; r++ {
		for c, p := range perm {
			out.Set(t.At(r, p), r, c)
		}
	}
	return out
}

func softplusTensor(s *tensors.Tensor) *tensors.Tensor {
	out := tensors.New(s.Dims()...)
	in, o := s.Flat(), out.Flat()
	for i, v := range in {
		if v > 30 {
			o[i] = v + scaleFloor
		} else {
			o[i] = math.Log1p(math.Exp(v)) + scaleFloor
		}
	}
	return out
}

// Parameters implements models.Model.
func (f *IAF) Parameters() []*tensors.Tensor {
	var params []*tensors.Tensor
	for _, b := range f.blocks {
		params = append(params, b.Parameters()...)
	}
	return params
}

// StateDict implements models.Model. Block masks are included so the
// autoregressive structure is restored verbatim on load.
func (f *IAF) StateDict() models.StateDict {
	sd := make(models.StateDict)
	for i, b := range f.blocks {
		sd.Merge(fmt.Sprintf("blocks.%d.", i), b.StateDict())
	}
	return sd
}

// LoadStateDict implements models.Model.
func (f *IAF) LoadStateDict(sd models.StateDict) error {
	return sd.CopyInto(f.StateDict())
}

// Save implements models.Model. See models.SaveModel for the layout.
func (f *IAF) Save(dirPath string) error {
	return models.SaveModel(f, dirPath)
}

// LoadFromFolder reconstructs an IAF from a directory written by Save (or by
// a trainer checkpoint). It requires model_config.json and model.pt; each
// missing artifact is reported by name.
func LoadFromFolder(dirPath string) (*IAF, error) {
	config := NewIAFConfig()
	if err := models.LoadConfigFromFolder(dirPath, config); err != nil {
		return nil, err
	}
	sd, err := models.LoadStateDictFromFolder(dirPath)
	if err != nil {
		return nil, err
	}
	flow, err := NewIAF(config)
	if err != nil {
		return nil, err
	}
	if err = flow.LoadStateDict(sd); err != nil {
		return nil, errors.WithMessagef(err, "restoring %s weights from %q", ModelNameIAF, dirPath)
	}
	return flow, nil
}
