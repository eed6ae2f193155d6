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

// Package optimizers implements the parameter update rules used by trainers.
// Optimizers are configured with a builder (e.g. Adam().LearningRate(1e-3))
// and bound to a parameter list with Done.
package optimizers

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

// Optimizer updates parameters in place from the gradients accumulated on
// them. Its state round-trips through State so a trainer checkpoint can
// resume the update rule exactly where it stopped.
type Optimizer interface {
	// Step applies one update from the current gradients.
	Step() error

	// ZeroGrad clears the gradients of every bound parameter.
	ZeroGrad()

	// LearningRate returns the current learning rate.
	LearningRate() float64

	// StateDict snapshots the optimizer for persistence.
	StateDict() *State

	// LoadStateDict restores a snapshot taken from an optimizer bound to the
	// same parameter list.
	LoadStateDict(state *State) error
}

// State is the serializable snapshot of an optimizer, stored as optimizer.pt
// in trainer checkpoints: the hyperparameter groups plus the per-parameter
// slot state, keyed by position in the bound parameter list.
type State struct {
	Name        string
	ParamGroups []ParamGroup
	State       map[int]ParamState
}

// ParamGroup holds the hyperparameters of one group of parameters. The
// optimizers here bind all parameters to a single group; Params lists their
// indices.
type ParamGroup struct {
	LearningRate float64
	Beta1, Beta2 float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Params       []int
}

// ParamState is the per-parameter slot state of adaptive optimizers.
type ParamState struct {
	Step     int
	ExpAvg   *tensors.Tensor
	ExpAvgSq *tensors.Tensor
}

// Default Adam hyperparameters.
const (
	AdamDefaultLearningRate = 1e-3
	AdamDefaultBeta1        = 0.9
	AdamDefaultBeta2        = 0.999
	AdamDefaultEpsilon      = 1e-8
)

// AdamConfig is the builder for Adam optimizers. Calls can be chained; Done
// binds the configuration to a parameter list.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
}

// Adam starts building an Adam optimizer with the default hyperparameters.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        AdamDefaultBeta1,
		beta2:        AdamDefaultBeta2,
		epsilon:      AdamDefaultEpsilon,
	}
}

// LearningRate sets the learning rate. Default is AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(lr float64) *AdamConfig {
	c.learningRate = lr
	return c
}

// Betas sets the exponential decay rates of the first and second moment
// estimates.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon sets the denominator stabilizer.
func (c *AdamConfig) Epsilon(eps float64) *AdamConfig {
	c.epsilon = eps
	return c
}

// WeightDecay adds decoupled (AdamW-style) weight decay.
func (c *AdamConfig) WeightDecay(wd float64) *AdamConfig {
	c.weightDecay = wd
	return c
}

// Done binds the configuration to params and returns the optimizer.
func (c *AdamConfig) Done(params []*tensors.Tensor) *AdamOptimizer {
	opt := &AdamOptimizer{config: *c, params: params}
	opt.slots = make([]adamSlot, len(params))
	for i, p := range params {
		opt.slots[i] = adamSlot{
			expAvg:   tensors.New(p.Dims()...),
			expAvgSq: tensors.New(p.Dims()...),
		}
	}
	return opt
}

type adamSlot struct {
	step     int
	expAvg   *tensors.Tensor
	expAvgSq *tensors.Tensor
}

// AdamOptimizer implements the Adam update rule with optional decoupled
// weight decay.
type AdamOptimizer struct {
	config AdamConfig
	params []*tensors.Tensor
	slots  []adamSlot
}

// Step implements Optimizer.
func (o *AdamOptimizer) Step() error {
	for i, p := range o.params {
		if !p.HasGrad() {
			continue
		}
		slot := &o.slots[i]
		slot.step++
		biasCorr1 := 1 - math.Pow(o.config.beta1, float64(slot.step))
		biasCorr2 := 1 - math.Pow(o.config.beta2, float64(slot.step))

		values, grads := p.Flat(), p.Grad()
		m, v := slot.expAvg.Flat(), slot.expAvgSq.Flat()
		for j, g := range grads {
			m[j] = o.config.beta1*m[j] + (1-o.config.beta1)*g
			v[j] = o.config.beta2*v[j] + (1-o.config.beta2)*g*g
			mHat := m[j] / biasCorr1
			vHat := v[j] / biasCorr2
			update := mHat / (math.Sqrt(vHat) + o.config.epsilon)
			if o.config.weightDecay > 0 {
				update += o.config.weightDecay * values[j]
			}
			values[j] -= o.config.learningRate * update
		}
	}
	return nil
}

// ZeroGrad implements Optimizer.
func (o *AdamOptimizer) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// LearningRate implements Optimizer.
func (o *AdamOptimizer) LearningRate() float64 { return o.config.learningRate }

// StateDict implements Optimizer.
func (o *AdamOptimizer) StateDict() *State {
	group := ParamGroup{
		LearningRate: o.config.learningRate,
		Beta1:        o.config.beta1,
		Beta2:        o.config.beta2,
		Epsilon:      o.config.epsilon,
		WeightDecay:  o.config.weightDecay,
		Params:       paramIndices(len(o.params)),
	}
	state := &State{
		Name:        "adam",
		ParamGroups: []ParamGroup{group},
		State:       make(map[int]ParamState, len(o.slots)),
	}
	for i, slot := range o.slots {
		state.State[i] = ParamState{
			Step:     slot.step,
			ExpAvg:   slot.expAvg.Clone(),
			ExpAvgSq: slot.expAvgSq.Clone(),
		}
	}
	return state
}

// LoadStateDict implements Optimizer.
func (o *AdamOptimizer) LoadStateDict(state *State) error {
	if state.Name != "adam" {
		return errors.Errorf("cannot restore %q state into an Adam optimizer", state.Name)
	}
	if len(state.State) != len(o.slots) {
		return errors.Errorf("optimizer state holds %d parameter slots, optimizer has %d",
			len(state.State), len(o.slots))
	}
	for i := range o.slots {
		ps, found := state.State[i]
		if !found {
			return errors.Errorf("optimizer state is missing slot %d", i)
		}
		if !ps.ExpAvg.SameShape(o.slots[i].expAvg) {
			return errors.Errorf("optimizer state slot %d has shape %v, parameter has %v",
				i, ps.ExpAvg.Dims(), o.slots[i].expAvg.Dims())
		}
		o.slots[i].step = ps.Step
		o.slots[i].expAvg = ps.ExpAvg.Clone()
		o.slots[i].expAvgSq = ps.ExpAvgSq.Clone()
	}
	if len(state.ParamGroups) > 0 {
		o.config.learningRate = state.ParamGroups[0].LearningRate
	}
	return nil
}

func paramIndices(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// SGDConfig is the builder for plain (optionally momentum) SGD.
type SGDConfig struct {
	learningRate float64
	momentum     float64
}

// SGD starts building an SGD optimizer.
func SGD() *SGDConfig {
	return &SGDConfig{learningRate: 1e-2}
}

// LearningRate sets the learning rate. Default is 1e-2.
func (c *SGDConfig) LearningRate(lr float64) *SGDConfig {
	c.learningRate = lr
	return c
}

// Momentum sets the momentum coefficient. Zero (the default) disables it.
func (c *SGDConfig) Momentum(mu float64) *SGDConfig {
	c.momentum = mu
	return c
}

// Done binds the configuration to params and returns the optimizer.
func (c *SGDConfig) Done(params []*tensors.Tensor) *SGDOptimizer {
	opt := &SGDOptimizer{config: *c, params: params}
	if c.momentum != 0 {
		opt.velocity = make([]*tensors.Tensor, len(params))
		for i, p := range params {
			opt.velocity[i] = tensors.New(p.Dims()...)
		}
	}
	return opt
}

// SGDOptimizer implements stochastic gradient descent.
type SGDOptimizer struct {
	config   SGDConfig
	params   []*tensors.Tensor
	velocity []*tensors.Tensor
}

// Step implements Optimizer.
func (o *SGDOptimizer) Step() error {
	for i, p := range o.params {
		if !p.HasGrad() {
			continue
		}
		values, grads := p.Flat(), p.Grad()
		if o.velocity != nil {
			vel := o.velocity[i].Flat()
			for j, g := range grads {
				vel[j] = o.config.momentum*vel[j] + g
				values[j] -= o.config.learningRate * vel[j]
			}
		} else {
			for j, g := range grads {
				values[j] -= o.config.learningRate * g
			}
		}
	}
	return nil
}

// ZeroGrad implements Optimizer.
func (o *SGDOptimizer) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// LearningRate implements Optimizer.
func (o *SGDOptimizer) LearningRate() float64 { return o.config.learningRate }

// StateDict implements Optimizer.
func (o *SGDOptimizer) StateDict() *State {
	group := ParamGroup{
		LearningRate: o.config.learningRate,
		Momentum:     o.config.momentum,
		Params:       paramIndices(len(o.params)),
	}
	state := &State{
		Name:        "sgd",
		ParamGroups: []ParamGroup{group},
		State:       make(map[int]ParamState, len(o.velocity)),
	}
	for i, v := range o.velocity {
		state.State[i] = ParamState{ExpAvg: v.Clone()}
	}
	return state
}

// LoadStateDict implements Optimizer.
func (o *SGDOptimizer) LoadStateDict(state *State) error {
	if state.Name != "sgd" {
		return errors.Errorf("cannot restore %q state into an SGD optimizer", state.Name)
	}
	for i := range o.velocity {
		ps, found := state.State[i]
		if !found {
			return errors.Errorf("optimizer state is missing slot %d", i)
		}
		o.velocity[i] = ps.ExpAvg.Clone()
	}
	if len(state.ParamGroups) > 0 {
		o.config.learningRate = state.ParamGroups[0].LearningRate
	}
	return nil
}
