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

package train_test

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugatoray/benchmark-VAE/ml/data"
	"github.com/sugatoray/benchmark-VAE/ml/layers"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/ml/models/flows"
	"github.com/sugatoray/benchmark-VAE/ml/models/wae"
	"github.com/sugatoray/benchmark-VAE/ml/train"
	"github.com/sugatoray/benchmark-VAE/ml/train/optimizers"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

func testModel(t *testing.T, seed uint64) *wae.WAEMMD {
	t.Helper()
	layers.SeedRNG(seed)
	config := wae.NewWAEMMDConfig()
	config.InputDim = []int{4}
	config.LatentDim = 2
	return must.M1(wae.NewWAEMMD(config))
}

func testDataset(t *testing.T, n int) *data.InMemoryDataset {
	t.Helper()
	inputs := tensors.New(n, 4)
	flat := inputs.Flat()
	x := uint64(99)
	for i := range flat {
		x = x*6364136223846793005 + 1442695040888963407
		flat[i] = float64(x>>40) / float64(1<<24)
	}
	return must.M1(data.NewInMemoryDataset("toy", inputs, nil, 4))
}

func testTrainerConfig(t *testing.T) *train.BaseTrainerConfig {
	config := train.NewBaseTrainerConfig()
	config.OutputDir = t.TempDir()
	config.NumEpochs = 2
	config.LearningRate = 1e-3
	config.BatchSize = 4
	return config
}

func TestNewBaseTrainerValidation(t *testing.T) {
	model := testModel(t, 1)
	ds := testDataset(t, 8)

	_, err := train.NewBaseTrainer(nil, ds, nil, nil, nil)
	require.Error(t, err)
	_, err = train.NewBaseTrainer(model, nil, nil, nil, nil)
	require.Error(t, err)

	config := testTrainerConfig(t)
	config.NumEpochs = 0
	_, err = train.NewBaseTrainer(model, ds, nil, config, nil)
	require.Error(t, err)
}

func TestTrainStepUpdatesParameters(t *testing.T) {
	model := testModel(t, 2)
	trainer := must.M1(train.NewBaseTrainer(model, testDataset(t, 8), nil, testTrainerConfig(t), nil))

	before := model.StateDict().Clone()
	loss := must.M1(trainer.TrainStep(1))
	assert.Greater(t, loss, 0.0)
	assert.False(t, model.StateDict().Equal(before), "training must move the parameters")
}

func TestEvalStepPreservesParameters(t *testing.T) {
	model := testModel(t, 3)
	ds := testDataset(t, 8)
	trainer := must.M1(train.NewBaseTrainer(model, ds, ds, testTrainerConfig(t), nil))

	before := model.StateDict().Clone()
	loss := must.M1(trainer.EvalStep(1))
	assert.Greater(t, loss, 0.0)
	assert.True(t, model.StateDict().Equal(before), "evaluation must preserve parameters bit-for-bit")
}

func TestPredictPreservesParameters(t *testing.T) {
	model := testModel(t, 4)
	trainer := must.M1(train.NewBaseTrainer(model, testDataset(t, 8), nil, testTrainerConfig(t), nil))

	before := model.StateDict().Clone()
	out := must.M1(trainer.Predict(tensors.New(2, 4)))
	assert.True(t, out.Has("recon_x"))
	assert.Equal(t, []int{2, 4}, out.Tensor("generation").Dims())
	assert.True(t, model.StateDict().Equal(before))
}

func TestPredictGeneratesThroughFlowInverse(t *testing.T) {
	layers.SeedRNG(10)
	config := flows.NewIAFConfig()
	config.InputDim = []int{4}
	config.HiddenSize = 16
	model := flows.NewNFModel(must.M1(flows.NewIAF(config)))
	trainer := must.M1(train.NewBaseTrainer(model, testDataset(t, 8), nil, testTrainerConfig(t), nil))

	out := must.M1(trainer.Predict(tensors.New(3, 4)))
	assert.True(t, out.Has("loss"))
	assert.Equal(t, []int{3, 4}, out.Tensor("generation").Dims())
}

func TestSaveCheckpointBeforeTraining(t *testing.T) {
	model := testModel(t, 11)
	trainer := must.M1(train.NewBaseTrainer(model, testDataset(t, 8), nil, testTrainerConfig(t), nil))

	// Before Train there is no run directory, so the destination must be
	// explicit.
	_, err := trainer.SaveCheckpoint("", 0)
	require.Error(t, err)

	dir := t.TempDir()
	checkpoint := must.M1(trainer.SaveCheckpoint(dir, 0))
	assert.Equal(t, filepath.Join(dir, "checkpoint_epoch_0"), checkpoint)
	for _, name := range []string{models.ConfigFileName, models.WeightsFileName,
		train.OptimizerFileName, train.TrainingConfigFileName} {
		assert.FileExists(t, filepath.Join(checkpoint, name))
	}
}

func TestCheckpointCadenceAndFinalModel(t *testing.T) {
	model := testModel(t, 5)
	ds := testDataset(t, 8)
	config := testTrainerConfig(t)
	config.NumEpochs = 3
	config.StepsSaving = 2
	trainer := must.M1(train.NewBaseTrainer(model, ds, ds, config, nil))

	// Track the best eval weights independently of the trainer's own
	// snapshot, so the final_model contents can be checked against them.
	bestLoss := math.Inf(1)
	var bestState models.StateDict
	trainer.OnEpochEnd(func(epoch int, logs map[string]float64) error {
		if logs["eval_loss"] < bestLoss {
			bestLoss = logs["eval_loss"]
			bestState = model.StateDict().Clone()
		}
		return nil
	})

	dir := must.M1(trainer.Train())
	assert.True(t, strings.Contains(filepath.Base(dir), "WAE_MMD_training_"))

	// steps_saving=2 over 3 epochs: epoch 2 on cadence, epoch 3 as the
	// final epoch, plus the unconditional final_model save.
	require.DirExists(t, filepath.Join(dir, "checkpoint_epoch_2"))
	require.DirExists(t, filepath.Join(dir, "checkpoint_epoch_3"))
	require.DirExists(t, filepath.Join(dir, train.FinalModelDirName))

	for _, sub := range []string{"checkpoint_epoch_2", "checkpoint_epoch_3"} {
		assert.FileExists(t, filepath.Join(dir, sub, models.ConfigFileName))
		assert.FileExists(t, filepath.Join(dir, sub, models.WeightsFileName))
		assert.FileExists(t, filepath.Join(dir, sub, train.OptimizerFileName))
		assert.FileExists(t, filepath.Join(dir, sub, train.TrainingConfigFileName))
	}
	finalDir := filepath.Join(dir, train.FinalModelDirName)
	assert.FileExists(t, filepath.Join(finalDir, models.ConfigFileName))
	assert.FileExists(t, filepath.Join(finalDir, models.WeightsFileName))
	assert.FileExists(t, filepath.Join(finalDir, train.TrainingConfigFileName))

	// final_model holds the independently tracked best-eval weights, and
	// Train leaves the model holding the same.
	require.NotNil(t, bestState)
	loaded := must.M1(models.LoadFromFolder(finalDir))
	assert.True(t, loaded.StateDict().Equal(bestState))
	assert.True(t, model.StateDict().Equal(bestState))
}

func TestCheckpointRetention(t *testing.T) {
	model := testModel(t, 6)
	ds := testDataset(t, 8)
	config := testTrainerConfig(t)
	config.NumEpochs = 4
	config.StepsSaving = 1
	config.KeepCheckpoints = 2
	trainer := must.M1(train.NewBaseTrainer(model, ds, nil, config, nil))

	dir := must.M1(trainer.Train())
	entries := must.M1(os.ReadDir(dir))
	var checkpoints []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "checkpoint_epoch_") {
			checkpoints = append(checkpoints, e.Name())
		}
	}
	// Oldest checkpoints are pruned, the latest two survive.
	assert.ElementsMatch(t, []string{"checkpoint_epoch_3", "checkpoint_epoch_4"}, checkpoints)
}

func TestResumeFromCheckpoint(t *testing.T) {
	model := testModel(t, 7)
	ds := testDataset(t, 8)
	config := testTrainerConfig(t)
	config.NumEpochs = 2
	config.StepsSaving = 2
	trainer := must.M1(train.NewBaseTrainer(model, ds, nil, config, nil))
	dir := must.M1(trainer.Train())
	checkpoint := filepath.Join(dir, "checkpoint_epoch_2")

	// A second trainer resumes with identical model and optimizer state.
	model2 := testModel(t, 8)
	opt2 := optimizers.Adam().LearningRate(config.LearningRate).Done(model2.Parameters())
	trainer2 := must.M1(train.NewBaseTrainer(model2, ds, nil, config, opt2))
	require.NoError(t, trainer2.ResumeFromCheckpoint(checkpoint))
	assert.True(t, model2.StateDict().Equal(must.M1(models.LoadStateDictFromFolder(checkpoint))))

	// Missing optimizer.pt is fatal: a plain model save cannot resume.
	plain := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, model.Save(plain))
	err := trainer2.ResumeFromCheckpoint(plain)
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorContains(t, err, train.OptimizerFileName)
}

func TestEpochEndHooks(t *testing.T) {
	model := testModel(t, 9)
	ds := testDataset(t, 8)
	config := testTrainerConfig(t)
	config.NumEpochs = 3
	trainer := must.M1(train.NewBaseTrainer(model, ds, ds, config, nil))

	var epochs []int
	trainer.OnEpochEnd(func(epoch int, logs map[string]float64) error {
		epochs = append(epochs, epoch)
		assert.Contains(t, logs, "train_loss")
		assert.Contains(t, logs, "eval_loss")
		return nil
	})
	must.M1(trainer.Train())
	assert.Equal(t, []int{1, 2, 3}, epochs)
}

func TestTrainingSignatureUniqueness(t *testing.T) {
	a := train.TrainingSignature()
	b := train.TrainingSignature()
	assert.NotEqual(t, a, b)
}
