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

// Package train implements the training loop: the BaseTrainer drives a model
// over datasets for a configured number of epochs, checkpoints it on a
// configurable cadence and keeps the best weights seen for the final save.
package train

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sugatoray/benchmark-VAE/ml/data"
	"github.com/sugatoray/benchmark-VAE/ml/graph"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/ml/samplers"
	"github.com/sugatoray/benchmark-VAE/ml/train/optimizers"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
	"k8s.io/klog/v2"
)

// File and directory names of a training run.
const (
	// TrainingConfigFileName is written next to every saved model so a run
	// is reproducible from its outputs.
	TrainingConfigFileName = "training_config.json"

	// OptimizerFileName holds the optimizer snapshot inside a checkpoint.
	OptimizerFileName = "optimizer.pt"

	// FinalModelDirName is the directory of the end-of-training save. It
	// holds the best weights observed, not necessarily the last ones.
	FinalModelDirName = "final_model"

	checkpointDirPrefix = "checkpoint_epoch_"
)

// BaseTrainerConfig configures a training run.
type BaseTrainerConfig struct {
	Name         string  `json:"name"`
	OutputDir    string  `json:"output_dir"`
	NumEpochs    int     `json:"num_epochs"`
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`

	// StepsSaving is the checkpoint cadence in epochs; 0 disables
	// mid-training checkpoints.
	StepsSaving int `json:"steps_saving"`

	// KeepCheckpoints bounds how many checkpoint directories are retained,
	// oldest pruned first. Values below 1 keep all of them.
	KeepCheckpoints int `json:"keep_checkpoints"`
}

// NewBaseTrainerConfig returns a config with the standard defaults.
func NewBaseTrainerConfig() *BaseTrainerConfig {
	return &BaseTrainerConfig{
		Name:            "BaseTrainerConfig",
		OutputDir:       "dummy_output_dir",
		NumEpochs:       100,
		LearningRate:    1e-4,
		BatchSize:       100,
		StepsSaving:     0,
		KeepCheckpoints: -1,
	}
}

// EpochEndHook is called after every epoch with the losses of that epoch.
// logs always carries "train_loss" and, when an eval dataset was given,
// "eval_loss". Returning an error aborts training.
type EpochEndHook func(epoch int, logs map[string]float64) error

// BaseTrainer drives the epoch loop. Construct it with NewBaseTrainer and
// run it with Train; TrainStep/EvalStep are exposed for callers composing
// their own loops.
type BaseTrainer struct {
	model     models.Model
	trainData data.Dataset
	evalData  data.Dataset
	config    *BaseTrainerConfig
	optimizer optimizers.Optimizer

	signature   string
	trainingDir string
	hooks       []EpochEndHook

	bestLoss  float64
	bestState []byte
}

// NewBaseTrainer validates the inputs and assembles a trainer. evalData may
// be nil, in which case the train loss drives best-model selection. A nil
// optimizer defaults to Adam at the configured learning rate over the
// model's parameters; a nil config takes NewBaseTrainerConfig defaults.
func NewBaseTrainer(model models.Model, trainData, evalData data.Dataset,
	config *BaseTrainerConfig, optimizer optimizers.Optimizer) (*BaseTrainer, error) {
	if model == nil {
		return nil, errors.New("trainer requires a model")
	}
	if trainData == nil || trainData.Len() == 0 {
		return nil, errors.Errorf("trainer requires a non-empty train dataset to fit model %q", model.Name())
	}
	if config == nil {
		config = NewBaseTrainerConfig()
	}
	if config.NumEpochs < 1 {
		return nil, errors.Errorf("num_epochs must be at least 1, got %d", config.NumEpochs)
	}
	if config.StepsSaving < 0 {
		return nil, errors.Errorf("steps_saving must not be negative, got %d", config.StepsSaving)
	}
	if optimizer == nil {
		optimizer = optimizers.Adam().LearningRate(config.LearningRate).Done(model.Parameters())
	}
	return &BaseTrainer{
		model:     model,
		trainData: trainData,
		evalData:  evalData,
		config:    config,
		optimizer: optimizer,
		signature: TrainingSignature(),
		bestLoss:  math.Inf(1),
	}, nil
}

// TrainingSignature returns a fresh unique run identifier: a second
// resolution timestamp plus a short random suffix, so concurrent runs never
// collide on the same output directory.
func TrainingSignature() string {
	return fmt.Sprintf("%s_%s",
		time.Now().Format("2006-01-02_15-04-05"),
		uuid.NewString()[:8])
}

// Model returns the trained model.
func (t *BaseTrainer) Model() models.Model { return t.model }

// Optimizer returns the bound optimizer.
func (t *BaseTrainer) Optimizer() optimizers.Optimizer { return t.optimizer }

// Config returns the effective training configuration, defaults applied.
func (t *BaseTrainer) Config() *BaseTrainerConfig { return t.config }

// TrainingDir returns the directory of the current run. Empty before Train
// created it.
func (t *BaseTrainer) TrainingDir() string { return t.trainingDir }

// OnEpochEnd registers a hook called after every epoch, in registration
// order.
func (t *BaseTrainer) OnEpochEnd(hook EpochEndHook) {
	t.hooks = append(t.hooks, hook)
}

// TrainStep runs one epoch of optimization over the train dataset and
// returns the size-weighted mean loss. Parameters are updated after every
// batch; a non-finite loss aborts the epoch.
func (t *BaseTrainer) TrainStep(epoch int) (float64, error) {
	return t.runEpoch(epoch, t.trainData, true)
}

// EvalStep runs one pass over the eval dataset without touching parameters
// and returns the size-weighted mean loss.
func (t *BaseTrainer) EvalStep(epoch int) (float64, error) {
	if t.evalData == nil {
		return 0, errors.New("trainer has no eval dataset")
	}
	return t.runEpoch(epoch, t.evalData, false)
}

func (t *BaseTrainer) runEpoch(epoch int, dataset data.Dataset, update bool) (float64, error) {
	dataset.Reset()
	totalLoss, totalExamples := 0.0, 0
	for {
		inputs, _, err := dataset.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "reading dataset %q at epoch %d", dataset.Name(), epoch)
		}
		out, err := t.model.Forward(inputs)
		if err != nil {
			return 0, errors.WithMessagef(err, "model %q forward at epoch %d", t.model.Name(), epoch)
		}
		lossNode := out.Get("loss")
		if lossNode == nil {
			return 0, errors.Errorf("model %q returned no loss (keys: %v)", t.model.Name(), out.Keys())
		}
		loss := lossNode.Value()
		if !loss.IsScalar() {
			return 0, errors.Errorf("model %q returned a non-scalar loss of shape %v", t.model.Name(), loss.Dims())
		}
		lossValue := loss.Flat()[0]
		if math.IsNaN(lossValue) || math.IsInf(lossValue, 0) {
			return 0, errors.Errorf("NaN detected in loss of model %q at epoch %d", t.model.Name(), epoch)
		}
		if update {
			graph.Backward(lossNode)
			if err = t.optimizer.Step(); err != nil {
				return 0, errors.WithMessagef(err, "optimizer step at epoch %d", epoch)
			}
			t.optimizer.ZeroGrad()
		}
		batch := inputs.Dim(0)
		totalLoss += lossValue * float64(batch)
		totalExamples += batch
	}
	if totalExamples == 0 {
		return 0, errors.Errorf("dataset %q yielded no examples at epoch %d", dataset.Name(), epoch)
	}
	return totalLoss / float64(totalExamples), nil
}

// Predict runs the model on a batch without recording gradients or updating
// parameters. Alongside the forward output it attaches a generated batch of
// the same size under "generation": decoder models decode a standard-normal
// prior draw, invertible flows run one through the inverse transform. Models
// with no path from latents to data space only yield the forward output.
func (t *BaseTrainer) Predict(inputs *tensors.Tensor) (models.ModelOutput, error) {
	out, err := t.model.Forward(inputs)
	if err != nil {
		return nil, err
	}
	sampler, err := samplers.NewNormalSampler(t.model)
	if err != nil {
		return out, nil
	}
	generated, err := sampler.Sample(inputs.Dim(0))
	if err != nil {
		return nil, errors.WithMessagef(err, "generating a sample batch from model %q", t.model.Name())
	}
	out["generation"] = graph.Const(generated)
	return out, nil
}

// Train runs the full loop: NumEpochs epochs of TrainStep (plus EvalStep
// when an eval dataset was given), checkpoints every StepsSaving epochs, and
// a final save of the best weights under final_model. It returns the
// directory of the run.
func (t *BaseTrainer) Train() (string, error) {
	t.trainingDir = filepath.Join(t.config.OutputDir,
		fmt.Sprintf("%s_training_%s", t.model.Name(), t.signature))
	if err := os.MkdirAll(t.trainingDir, models.DirPermMode); err != nil {
		return "", errors.Wrapf(err, "failed to create training directory %q", t.trainingDir)
	}

	numParams := 0
	for _, p := range t.model.Parameters() {
		numParams += p.Size()
	}
	klog.V(1).Infof("Training model %q: %s parameters, %s examples, %d epochs -> %s",
		t.model.Name(), humanize.Comma(int64(numParams)),
		humanize.Comma(int64(t.trainData.Len())), t.config.NumEpochs, t.trainingDir)

	for epoch := 1; epoch <= t.config.NumEpochs; epoch++ {
		trainLoss, err := t.TrainStep(epoch)
		if err != nil {
			return "", err
		}
		logs := map[string]float64{"train_loss": trainLoss}
		epochLoss := trainLoss
		if t.evalData != nil {
			evalLoss, err := t.EvalStep(epoch)
			if err != nil {
				return "", err
			}
			logs["eval_loss"] = evalLoss
			epochLoss = evalLoss
		}
		if epochLoss < t.bestLoss {
			t.bestLoss = epochLoss
			if err = t.snapshotBest(); err != nil {
				return "", err
			}
		}
		klog.V(1).Infof("Epoch %d/%d: train_loss=%.6f best=%.6f",
			epoch, t.config.NumEpochs, trainLoss, t.bestLoss)

		for _, hook := range t.hooks {
			if err = hook(epoch, logs); err != nil {
				return "", errors.WithMessagef(err, "epoch-end hook at epoch %d", epoch)
			}
		}
		if t.config.StepsSaving > 0 && (epoch%t.config.StepsSaving == 0 || epoch == t.config.NumEpochs) {
			if _, err = t.SaveCheckpoint("", epoch); err != nil {
				return "", err
			}
			if err = t.pruneCheckpoints(); err != nil {
				return "", err
			}
		}
	}

	if err := t.saveFinalModel(); err != nil {
		return "", err
	}
	klog.V(1).Infof("Training of %q done, best loss %.6f, saved to %s",
		t.model.Name(), t.bestLoss, filepath.Join(t.trainingDir, FinalModelDirName))
	return t.trainingDir, nil
}

// snapshotBest serializes the model's current state dict into an in-memory
// blob. Cheaper than a full save and immune to later parameter updates.
func (t *BaseTrainer) snapshotBest() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t.model.StateDict()); err != nil {
		return errors.Wrapf(err, "failed to snapshot best weights of model %q", t.model.Name())
	}
	t.bestState = buf.Bytes()
	return nil
}

// restoreBest loads the best snapshot back into the model. No-op when no
// snapshot was taken.
func (t *BaseTrainer) restoreBest() error {
	if t.bestState == nil {
		return nil
	}
	var sd models.StateDict
	if err := gob.NewDecoder(bytes.NewReader(t.bestState)).Decode(&sd); err != nil {
		return errors.Wrapf(err, "failed to decode best-weights snapshot of model %q", t.model.Name())
	}
	return t.model.LoadStateDict(sd)
}

func (t *BaseTrainer) saveFinalModel() error {
	if err := t.restoreBest(); err != nil {
		return err
	}
	dir := filepath.Join(t.trainingDir, FinalModelDirName)
	if err := t.model.Save(dir); err != nil {
		return err
	}
	return t.saveTrainingConfig(dir)
}

// SaveCheckpoint saves the model's current weights, the optimizer state and
// the training config under checkpoint_epoch_<epoch> inside dirPath,
// returning the checkpoint path. An empty dirPath means the current run's
// training directory, which only exists once Train started -- checkpointing
// an untrained model needs an explicit dirPath.
func (t *BaseTrainer) SaveCheckpoint(dirPath string, epoch int) (string, error) {
	if dirPath == "" {
		dirPath = t.trainingDir
	}
	if dirPath == "" {
		return "", errors.Errorf("no checkpoint directory: pass one explicitly or call Train first")
	}
	dir := filepath.Join(dirPath, fmt.Sprintf("%s%d", checkpointDirPrefix, epoch))
	if err := t.model.Save(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, OptimizerFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create %q", path)
	}
	if err = gob.NewEncoder(f).Encode(t.optimizer.StateDict()); err != nil {
		_ = f.Close()
		return "", errors.Wrapf(err, "failed to write optimizer state to %q", path)
	}
	if err = f.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close %q", path)
	}
	if err = t.saveTrainingConfig(dir); err != nil {
		return "", err
	}
	return dir, nil
}

func (t *BaseTrainer) saveTrainingConfig(dir string) error {
	raw, err := json.MarshalIndent(t.config, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to encode training config")
	}
	path := filepath.Join(dir, TrainingConfigFileName)
	if err = os.WriteFile(path, raw, 0660); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}

// ResumeFromCheckpoint restores model weights and optimizer state from a
// checkpoint directory written by SaveCheckpoint. A checkpoint without an
// optimizer snapshot cannot resume and is an error.
func (t *BaseTrainer) ResumeFromCheckpoint(dirPath string) error {
	sd, err := models.LoadStateDictFromFolder(dirPath)
	if err != nil {
		return err
	}
	if err = t.model.LoadStateDict(sd); err != nil {
		return errors.WithMessagef(err, "restoring model weights from checkpoint %q", dirPath)
	}
	path := filepath.Join(dirPath, OptimizerFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(os.ErrNotExist, "checkpoint %q has no %q, cannot resume optimization",
				dirPath, OptimizerFileName)
		}
		return errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	var state optimizers.State
	if err = gob.NewDecoder(f).Decode(&state); err != nil {
		return errors.Wrapf(err, "failed to parse optimizer state %q", path)
	}
	return t.optimizer.LoadStateDict(&state)
}

// pruneCheckpoints removes the oldest checkpoint directories beyond the
// configured retention bound.
func (t *BaseTrainer) pruneCheckpoints() error {
	if t.config.KeepCheckpoints < 1 {
		return nil
	}
	entries, err := os.ReadDir(t.trainingDir)
	if err != nil {
		return errors.Wrapf(err, "failed to list training directory %q", t.trainingDir)
	}
	var epochs []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointDirPrefix) {
			continue
		}
		epoch, err := strconv.Atoi(strings.TrimPrefix(e.Name(), checkpointDirPrefix))
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	sort.Ints(epochs)
	for len(epochs) > t.config.KeepCheckpoints {
		dir := filepath.Join(t.trainingDir, fmt.Sprintf("%s%d", checkpointDirPrefix, epochs[0]))
		if err = os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "failed to prune checkpoint %q", dir)
		}
		epochs = epochs[1:]
	}
	return nil
}
