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

// Package data defines the Dataset contract consumed by trainers and an
// in-memory implementation covering the common case of tensors that fit in
// RAM.
package data

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

// Dataset yields batches of examples for training or evaluation. Trainers
// run each epoch as Reset followed by Yield until io.EOF.
type Dataset interface {
	// Name identifies the dataset in logs and error messages.
	Name() string

	// Len returns the number of examples.
	Len() int

	// Reset restarts iteration from the first batch.
	Reset()

	// Yield returns the next batch of inputs and, when present, labels.
	// It returns io.EOF (alone, not wrapped with data) after the last batch
	// of the epoch.
	Yield() (inputs, labels *tensors.Tensor, err error)
}

// InMemoryDataset serves batches from a tensor held in memory. The leading
// axis indexes examples; labels are optional. Batches are served in order,
// the final one possibly short.
type InMemoryDataset struct {
	name      string
	inputs    *tensors.Tensor
	labels    *tensors.Tensor
	batchSize int
	next      int
}

// NewInMemoryDataset wraps inputs (and optional labels, which may be nil)
// into a dataset serving batches of batchSize examples.
func NewInMemoryDataset(name string, inputs, labels *tensors.Tensor, batchSize int) (*InMemoryDataset, error) {
	if inputs == nil || inputs.Rank() < 1 {
		return nil, errors.Errorf("dataset %q: inputs must be a tensor with a batch axis", name)
	}
	if batchSize < 1 {
		return nil, errors.Errorf("dataset %q: batch size must be at least 1, got %d", name, batchSize)
	}
	if labels != nil && labels.Dim(0) != inputs.Dim(0) {
		return nil, errors.Errorf("dataset %q: %d inputs but %d labels", name, inputs.Dim(0), labels.Dim(0))
	}
	return &InMemoryDataset{
		name:      name,
		inputs:    inputs,
		labels:    labels,
		batchSize: batchSize,
	}, nil
}

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Len implements Dataset.
func (ds *InMemoryDataset) Len() int { return ds.inputs.Dim(0) }

// Reset implements Dataset.
func (ds *InMemoryDataset) Reset() { ds.next = 0 }

// Yield implements Dataset.
func (ds *InMemoryDataset) Yield() (inputs, labels *tensors.Tensor, err error) {
	if ds.next >= ds.Len() {
		return nil, nil, io.EOF
	}
	end := ds.next + ds.batchSize
	if end > ds.Len() {
		end = ds.Len()
	}
	inputs = ds.inputs.SliceRows(ds.next, end)
	if ds.labels != nil {
		labels = ds.labels.SliceRows(ds.next, end)
	}
	ds.next = end
	return inputs, labels, nil
}
