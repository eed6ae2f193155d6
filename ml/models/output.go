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

package models

import (
	"sort"

	"github.com/sugatoray/benchmark-VAE/ml/graph"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
	"golang.org/x/exp/maps"
)

// ModelOutput is the result bag returned by every model call. Which keys are
// present is a contract of the producing model and operation -- a flow
// forward pass yields {out, log_abs_det_jac}, an autoencoder training pass
// yields {loss, recon_loss, mmd_loss, recon_x, z}, etc. The container itself
// validates nothing.
//
// Values are graph nodes so that loss-bearing outputs can be differentiated;
// read-only consumers use Tensor to get at the plain values. Treat a
// ModelOutput as immutable once returned.
type ModelOutput map[string]*graph.Node

// Keys returns the sorted set of stored keys.
func (o ModelOutput) Keys() []string {
	keys := maps.Keys(o)
	sort.Strings(keys)
	return keys
}

// Get returns the node stored under key, or nil if absent.
func (o ModelOutput) Get(key string) *graph.Node {
	return o[key]
}

// Has returns whether the key is present.
func (o ModelOutput) Has(key string) bool {
	_, found := o[key]
	return found
}

// Tensor returns the tensor value stored under key, or nil if absent.
func (o ModelOutput) Tensor(key string) *tensors.Tensor {
	node, found := o[key]
	if !found {
		return nil
	}
	return node.Value()
}
