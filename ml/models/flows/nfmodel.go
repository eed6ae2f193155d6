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
	"math"

	"github.com/sugatoray/benchmark-VAE/ml/graph"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

// NFModel wraps an invertible flow as a trainable density model: the loss is
// the negative mean log-likelihood of the data under the change of variables
// formula with a standard normal prior over the flow outputs,
//
//	log p(x) = log N(f(x); 0, I) + log|det df/dx|.
//
// The prior is fixed; only the flow carries parameters.
type NFModel struct {
	flow *IAF
}

// NewNFModel wraps flow for maximum-likelihood training.
func NewNFModel(flow *IAF) *NFModel {
	return &NFModel{flow: flow}
}

// Flow returns the wrapped flow.
func (m *NFModel) Flow() *IAF { return m.flow }

// InputDim returns the flow's flattened per-sample dimensionality.
func (m *NFModel) InputDim() int { return m.flow.InputDim() }

// Inverse maps latents back to data space through the wrapped flow, so
// samplers can draw from the trained wrapper without unwrapping it.
func (m *NFModel) Inverse(z *tensors.Tensor) (models.ModelOutput, error) {
	return m.flow.Inverse(z)
}

// Name implements models.Model.
func (m *NFModel) Name() string { return m.flow.Name() }

// Config implements models.Model.
func (m *NFModel) Config() models.Config { return m.flow.Config() }

// Forward maps a batch through the flow and scores it against the prior. The
// output carries {loss, out, log_abs_det_jac}; loss is the scalar training
// objective.
func (m *NFModel) Forward(inputs *tensors.Tensor) (models.ModelOutput, error) {
	out, err := m.flow.Forward(inputs)
	if err != nil {
		return nil, err
	}
	z := out["out"]
	ladj := out["log_abs_det_jac"]

	// Standard normal log-density per row: -0.5*||z||^2 - D/2*log(2*pi).
	d := float64(m.flow.InputDim())
	logProb := graph.AddScalar(
		graph.MulScalar(graph.SumRows(graph.Square(z)), -0.5),
		-0.5*d*math.Log(2*math.Pi))
	loss := graph.Neg(graph.ReduceMean(graph.Add(logProb, ladj)))

	out["loss"] = loss
	return out, nil
}

// Parameters implements models.Model.
func (m *NFModel) Parameters() []*tensors.Tensor { return m.flow.Parameters() }

// StateDict implements models.Model.
func (m *NFModel) StateDict() models.StateDict { return m.flow.StateDict() }

// LoadStateDict implements models.Model.
func (m *NFModel) LoadStateDict(sd models.StateDict) error { return m.flow.LoadStateDict(sd) }

// Save implements models.Model. The saved directory is indistinguishable
// from one written by the flow itself, so either loads it back.
func (m *NFModel) Save(dirPath string) error { return m.flow.Save(dirPath) }
