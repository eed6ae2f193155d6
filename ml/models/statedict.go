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
	"strings"

	"github.com/pkg/errors"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
	"golang.org/x/exp/maps"
)

// StateDict is the full mapping of a model's (or sub-architecture's) named
// parameter tensors. It includes non-trainable structural state, like the
// connectivity masks of autoregressive blocks, so that a deserialized model
// is restored and not rebuilt.
type StateDict map[string]*tensors.Tensor

// Keys returns the sorted parameter names.
func (sd StateDict) Keys() []string {
	keys := maps.Keys(sd)
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the state dict.
func (sd StateDict) Clone() StateDict {
	c := make(StateDict, len(sd))
	for name, t := range sd {
		c[name] = t.Clone()
	}
	return c
}

// Equal reports whether both state dicts hold the same keys with bit-for-bit
// equal tensors.
func (sd StateDict) Equal(other StateDict) bool {
	if len(sd) != len(other) {
		return false
	}
	for name, t := range sd {
		o, found := other[name]
		if !found || !t.Equal(o) {
			return false
		}
	}
	return true
}

// WithPrefix returns the sub-dict of entries whose name starts with prefix,
// with the prefix stripped. Used to route a model state dict to its named
// sub-architectures (e.g. "encoder.").
func (sd StateDict) WithPrefix(prefix string) StateDict {
	sub := make(StateDict)
	for name, t := range sd {
		if strings.HasPrefix(name, prefix) {
			sub[name[len(prefix):]] = t
		}
	}
	return sub
}

// Merge copies all entries of other into sd, prefixing their names.
func (sd StateDict) Merge(prefix string, other StateDict) {
	for name, t := range other {
		sd[prefix+name] = t
	}
}

// CopyInto copies the values of sd into the tensors of dst, matching by name
// and validating shapes. It is the load-side counterpart of Clone: dst keeps
// its own tensor objects (which layers hold references to), only the values
// are overwritten.
func (sd StateDict) CopyInto(dst StateDict) error {
	if len(sd) != len(dst) {
		return errors.Errorf("state dict has %d parameters, model expects %d (keys %v vs %v)",
			len(sd), len(dst), sd.Keys(), dst.Keys())
	}
	for name, dstT := range dst {
		srcT, found := sd[name]
		if !found {
			return errors.Errorf("state dict is missing parameter %q", name)
		}
		if !srcT.SameShape(dstT) {
			return errors.Errorf("parameter %q has shape %v, model expects %v",
				name, srcT.Dims(), dstT.Dims())
		}
		copy(dstT.Flat(), srcT.Flat())
	}
	return nil
}
