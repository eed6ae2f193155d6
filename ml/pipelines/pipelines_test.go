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

package pipelines_test

import (
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugatoray/benchmark-VAE/ml/layers"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/ml/models/wae"
	"github.com/sugatoray/benchmark-VAE/ml/pipelines"
	"github.com/sugatoray/benchmark-VAE/ml/train"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

func toyData(n int) *tensors.Tensor {
	inputs := tensors.New(n, 4)
	flat := inputs.Flat()
	x := uint64(17)
	for i := range flat {
		x = x*6364136223846793005 + 1442695040888963407
		flat[i] = float64(x>>40) / float64(1<<24)
	}
	return inputs
}

func TestTrainingPipelineEndToEnd(t *testing.T) {
	layers.SeedRNG(1)
	modelConfig := wae.NewWAEMMDConfig()
	modelConfig.InputDim = []int{4}
	modelConfig.LatentDim = 2
	model := must.M1(wae.NewWAEMMD(modelConfig))

	config := train.NewBaseTrainerConfig()
	config.OutputDir = t.TempDir()
	config.NumEpochs = 2
	config.BatchSize = 4
	config.LearningRate = 1e-3

	pipeline := pipelines.NewTrainingPipeline(model, config)
	pipeline.ShowProgress = false
	dir := must.M1(pipeline.Run(toyData(8), toyData(4)))

	// The run's final model reloads through the registry with the trained
	// weights.
	loaded := must.M1(models.LoadFromFolder(filepath.Join(dir, train.FinalModelDirName)))
	assert.Equal(t, "WAE_MMD", loaded.Name())
	assert.True(t, loaded.StateDict().Equal(model.StateDict()))
	require.NotNil(t, pipeline.Trainer())
}

func TestGenerationPipeline(t *testing.T) {
	layers.SeedRNG(2)
	modelConfig := wae.NewWAEMMDConfig()
	modelConfig.InputDim = []int{4}
	modelConfig.LatentDim = 2
	model := must.M1(wae.NewWAEMMD(modelConfig))

	pipeline := must.M1(pipelines.NewGenerationPipeline(model, nil))
	samples := must.M1(pipeline.Run(6))
	assert.Equal(t, []int{6, 4}, samples.Dims())
}
