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
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// LoaderFn reconstructs a concrete model from a saved directory.
type LoaderFn func(dirPath string) (Model, error)

// registry maps a config discriminator (BaseConfig.Name) to the loader of
// the concrete model class. Model packages register themselves in init, so a
// blank import of the package is enough to make its checkpoints loadable.
var registry = map[string]LoaderFn{}

// Register adds a model loader under the given discriminator name. It
// panics on duplicate registration -- that is a wiring bug, not a runtime
// condition.
func Register(name string, loader LoaderFn) {
	if _, found := registry[name]; found {
		panic(errors.Errorf("models.Register: model %q registered twice", name))
	}
	registry[name] = loader
}

// RegisteredModels returns the sorted discriminators known to the registry.
func RegisteredModels() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFromFolder reloads a model of any registered class from a saved
// directory, resolving the concrete class purely from the discriminator
// recorded inside model_config.json. The caller never needs to know the
// class in advance -- this is what lets a generic checkpoint directory be
// reloaded without external metadata.
func LoadFromFolder(dirPath string) (Model, error) {
	if err := requireFile(dirPath, ConfigFileName); err != nil {
		return nil, err
	}
	path := filepath.Join(dirPath, ConfigFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	var probe struct {
		Name string `json:"name"`
	}
	if err = json.Unmarshal(raw, &probe); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model config %q", path)
	}
	if probe.Name == "" {
		return nil, errors.Errorf("model config %q carries no model name to dispatch on", path)
	}
	loader, found := registry[probe.Name]
	if !found {
		return nil, errors.Errorf("no model registered under name %q (known: %v) -- "+
			"did you forget to import its package?", probe.Name, RegisteredModels())
	}
	m, err := loader(dirPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading model %q from %q", probe.Name, dirPath)
	}
	return m, nil
}
