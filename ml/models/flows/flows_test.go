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

package flows_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugatoray/benchmark-VAE/ml/graph"
	"github.com/sugatoray/benchmark-VAE/ml/layers"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/ml/models/flows"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

func testConfig(dims ...int) *flows.IAFConfig {
	config := flows.NewIAFConfig()
	config.InputDim = dims
	config.NMadeBlocks = 2
	config.NHiddenInMade = 2
	config.HiddenSize = 16
	return config
}

func randomBatch(batch, dim int, seed uint64) *tensors.Tensor {
	t := tensors.New(batch, dim)
	// Cheap deterministic values, no distributional requirements here.
	x := seed
	flat := t.Flat()
	for i := range flat {
		x = x*6364136223846793005 + 1442695040888963407
		flat[i] = float64(int64(x>>33))/float64(1<<30) - 1
	}
	return t
}

func TestMADEAutoregressiveProperty(t *testing.T) {
	layers.SeedRNG(2)
	const dim = 5
	block := flows.NewMADE(dim, 32, 3)

	base := randomBatch(1, dim, 7)
	shift0, preScale0 := block.Forward(graph.Const(base))

	// Perturbing input j must never change outputs at dimensions <= j.
	for j := 0; j < dim; j++ {
		perturbed := base.Clone()
		perturbed.Set(perturbed.At(0, j)+10, 0, j)
		shift1, preScale1 := block.Forward(graph.Const(perturbed))
		for i := 0; i <= j && i < dim; i++ {
			assert.Equalf(t, shift0.Value().At(0, i), shift1.Value().At(0, i),
				"shift output %d changed when input %d moved", i, j)
			assert.Equalf(t, preScale0.Value().At(0, i), preScale1.Value().At(0, i),
				"pre-scale output %d changed when input %d moved", i, j)
		}
	}
}

func TestIAFRequiresInputDim(t *testing.T) {
	config := flows.NewIAFConfig()
	_, err := flows.NewIAF(config)
	require.Error(t, err)
	var cfgErr *models.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
	assert.ErrorContains(t, err, "input_dim")

	config.InputDim = []int{4}
	config.NMadeBlocks = 0
	_, err = flows.NewIAF(config)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestIAFForwardShapes(t *testing.T) {
	layers.SeedRNG(4)
	flow := must.M1(flows.NewIAF(testConfig(2, 3)))
	assert.Equal(t, 6, flow.InputDim())

	base := flow.Config().Base()
	assert.Equal(t, "IAF", base.Name)
	assert.True(t, base.UsesDefaultEncoder)
	assert.True(t, base.UsesDefaultDecoder)

	out := must.M1(flow.Forward(randomBatch(5, 6, 11)))
	assert.Equal(t, []string{"log_abs_det_jac", "out"}, out.Keys())
	assert.Equal(t, []int{5, 6}, out.Get("out").Dims())
	assert.Equal(t, []int{5}, out.Get("log_abs_det_jac").Dims())
	for _, v := range out.Tensor("log_abs_det_jac").Flat() {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

func TestIAFForwardInverseRoundTrip(t *testing.T) {
	layers.SeedRNG(8)
	flow := must.M1(flows.NewIAF(testConfig(4)))

	x := randomBatch(3, 4, 13)
	fwd := must.M1(flow.Forward(x))
	inv := must.M1(flow.Inverse(fwd.Tensor("out")))

	back := inv.Tensor("out")
	require.Equal(t, []int{3, 4}, back.Dims())
	for i, v := range back.Flat() {
		assert.InDeltaf(t, x.Flat()[i], v, 1e-8, "value %d did not survive the round trip", i)
	}

	// The two log-determinants cancel.
	fwdLADJ := fwd.Tensor("log_abs_det_jac").Flat()
	invLADJ := inv.Tensor("log_abs_det_jac").Flat()
	for r := range fwdLADJ {
		assert.InDelta(t, -fwdLADJ[r], invLADJ[r], 1e-8)
	}
}

func TestIAFRoundTripSingleRowDeeperStack(t *testing.T) {
	layers.SeedRNG(12)
	config := testConfig(4)
	config.NMadeBlocks = 3
	flow := must.M1(flows.NewIAF(config))

	// A single-row batch through a stack where the inter-block reversal
	// composes more than once.
	x := randomBatch(1, 4, 41)
	fwd := must.M1(flow.Forward(x))
	require.Equal(t, []int{1, 4}, fwd.Tensor("out").Dims())
	require.Equal(t, []int{1}, fwd.Tensor("log_abs_det_jac").Dims())
	for _, v := range fwd.Tensor("log_abs_det_jac").Flat() {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}

	inv := must.M1(flow.Inverse(fwd.Tensor("out")))
	back := inv.Tensor("out")
	require.Equal(t, []int{1, 4}, back.Dims())
	for i, v := range back.Flat() {
		assert.InDeltaf(t, x.Flat()[i], v, 1e-8, "value %d did not survive the round trip", i)
	}
	assert.InDelta(t, -fwd.Tensor("log_abs_det_jac").At(0), inv.Tensor("log_abs_det_jac").At(0), 1e-8)
}

func TestIAFSaveLoadRoundTrip(t *testing.T) {
	layers.SeedRNG(16)
	flow := must.M1(flows.NewIAF(testConfig(4)))
	dir := filepath.Join(t.TempDir(), "iaf")
	require.NoError(t, flow.Save(dir))

	// Flows use the default sub-architectures, so only the base files exist.
	entries := must.M1(os.ReadDir(dir))
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{models.ConfigFileName, models.WeightsFileName}, names)

	loaded := must.M1(flows.LoadFromFolder(dir))
	assert.True(t, loaded.StateDict().Equal(flow.StateDict()))

	// Loaded flows compute the same transform, masks included.
	x := randomBatch(2, 4, 29)
	want := must.M1(flow.Forward(x))
	got := must.M1(loaded.Forward(x))
	assert.True(t, want.Tensor("out").Equal(got.Tensor("out")))
	assert.True(t, want.Tensor("log_abs_det_jac").Equal(got.Tensor("log_abs_det_jac")))
}

func TestIAFAutoModelDispatch(t *testing.T) {
	layers.SeedRNG(23)
	flow := must.M1(flows.NewIAF(testConfig(3)))
	dir := filepath.Join(t.TempDir(), "run")
	require.NoError(t, flow.Save(dir))

	loaded := must.M1(models.LoadFromFolder(dir))
	assert.Equal(t, "IAF", loaded.Name())
	assert.True(t, loaded.StateDict().Equal(flow.StateDict()))
}

func TestNFModelLoss(t *testing.T) {
	layers.SeedRNG(31)
	flow := must.M1(flows.NewIAF(testConfig(4)))
	model := flows.NewNFModel(flow)
	assert.Equal(t, "IAF", model.Name())

	out := must.M1(model.Forward(randomBatch(6, 4, 37)))
	require.True(t, out.Has("loss"))
	loss := out.Tensor("loss")
	require.True(t, loss.IsScalar())
	assert.False(t, math.IsNaN(loss.Value()))

	// The loss is differentiable down to the flow parameters.
	graph.Backward(out.Get("loss"))
	var nonZero bool
	for _, p := range model.Parameters() {
		for _, g := range p.Grad() {
			if g != 0 {
				nonZero = true
			}
		}
	}
	assert.True(t, nonZero, "backward left all parameter gradients at zero")
}
