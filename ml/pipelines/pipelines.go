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

// Package pipelines bundles the common end-to-end workflows: fitting a model
// to data and generating synthetic data from a trained one.
package pipelines

import (
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sugatoray/benchmark-VAE/ml/data"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/ml/samplers"
	"github.com/sugatoray/benchmark-VAE/ml/train"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

// TrainingPipeline wires a model and a training configuration into a
// one-call training workflow with terminal progress reporting.
type TrainingPipeline struct {
	Model         models.Model
	TrainerConfig *train.BaseTrainerConfig

	// ShowProgress enables a terminal progress bar over epochs.
	ShowProgress bool

	trainer *train.BaseTrainer
}

// NewTrainingPipeline creates a pipeline for model. config may be nil for
// the trainer defaults.
func NewTrainingPipeline(model models.Model, config *train.BaseTrainerConfig) *TrainingPipeline {
	return &TrainingPipeline{Model: model, TrainerConfig: config, ShowProgress: true}
}

// Run fits the model to the raw trainData tensor, batched per the trainer
// config (evalData may be nil), and returns the directory of the training
// run.
func (p *TrainingPipeline) Run(trainData, evalData *tensors.Tensor) (string, error) {
	if p.TrainerConfig == nil {
		p.TrainerConfig = train.NewBaseTrainerConfig()
	}
	trainDS, err := data.NewInMemoryDataset("train", trainData, nil, p.TrainerConfig.BatchSize)
	if err != nil {
		return "", err
	}
	var evalDS data.Dataset
	if evalData != nil {
		ds, err := data.NewInMemoryDataset("eval", evalData, nil, p.TrainerConfig.BatchSize)
		if err != nil {
			return "", err
		}
		evalDS = ds
	}
	trainer, err := train.NewBaseTrainer(p.Model, trainDS, evalDS, p.TrainerConfig, nil)
	if err != nil {
		return "", err
	}
	p.trainer = trainer
	if p.ShowProgress {
		bar := progressbar.NewOptions(trainer.Config().NumEpochs,
			progressbar.OptionSetDescription("training "+p.Model.Name()),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		trainer.OnEpochEnd(func(epoch int, logs map[string]float64) error {
			return bar.Add(1)
		})
	}
	return trainer.Train()
}

// Trainer returns the trainer of the last Run, or nil before any run.
func (p *TrainingPipeline) Trainer() *train.BaseTrainer { return p.trainer }

// GenerationPipeline wires a trained model and a sampler into a one-call
// generation workflow.
type GenerationPipeline struct {
	Model   models.Model
	Sampler samplers.Sampler
}

// NewGenerationPipeline creates a pipeline for model, defaulting to the
// standard normal sampler when sampler is nil.
func NewGenerationPipeline(model models.Model, sampler samplers.Sampler) (*GenerationPipeline, error) {
	if sampler == nil {
		var err error
		sampler, err = samplers.NewNormalSampler(model)
		if err != nil {
			return nil, err
		}
	}
	return &GenerationPipeline{Model: model, Sampler: sampler}, nil
}

// Run generates numSamples synthetic examples.
func (p *GenerationPipeline) Run(numSamples int) (*tensors.Tensor, error) {
	out, err := p.Sampler.Sample(numSamples)
	if err != nil {
		return nil, errors.WithMessagef(err, "generating %d samples from model %q", numSamples, p.Model.Name())
	}
	return out, nil
}
