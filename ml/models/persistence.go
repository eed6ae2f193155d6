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
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)
)

// Artifact file names of a saved model directory. The artifact set of a
// directory is variable per model instance: the config and weights files are
// always present, the encoder/decoder files only when the corresponding
// sub-architecture is not the framework default (and thus not reconstructable
// from the config alone).
const (
	ConfigFileName  = "model_config.json"
	WeightsFileName = "model.pt"
	EncoderFileName = "encoder.pkl"
	DecoderFileName = "decoder.pkl"

	// weightsKey is the mandatory top-level key of the weights file.
	weightsKey = "model_state_dict"
)

// artifact is one entry of a model's persistence plan: a file name plus the
// writer that produces it. SaveModel computes the full plan up front, which
// keeps the save/load contract testable independently of model logic.
type artifact struct {
	name  string
	write func(path string) error
}

// SaveModel persists a model into dirPath, creating the directory if absent.
// It writes:
//
//	model_config.json  -- the model configuration, with the discriminator name
//	model.pt           -- the state dict, gob-encoded under "model_state_dict"
//	encoder.pkl        -- only if the model uses a custom encoder
//	decoder.pkl        -- only if the model uses a custom decoder
//
// Custom sub-architectures are serialized as opaque gob artifacts: their
// concrete types must be registered with gob.Register (the framework defaults
// register themselves; authors of custom networks do the same in an init
// function, mirroring the requirement that the type be importable at load
// time).
func SaveModel(m Model, dirPath string) error {
	if dirPath == "" {
		return errors.Errorf("cannot save model %q: no directory path given", m.Name())
	}
	if err := os.MkdirAll(dirPath, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory %q to save model %q", dirPath, m.Name())
	}

	plan := []artifact{
		{ConfigFileName, func(path string) error { return writeConfigJSON(m.Config(), path) }},
		{WeightsFileName, func(path string) error { return writeStateDict(m.StateDict(), path) }},
	}
	base := m.Config().Base()
	if !base.UsesDefaultEncoder {
		he, ok := m.(HasEncoder)
		if !ok {
			return errors.Errorf("model %q declares a custom encoder but does not expose it", m.Name())
		}
		plan = append(plan, artifact{EncoderFileName, func(path string) error {
			return writeArchitecture(he.Encoder(), path)
		}})
	}
	if !base.UsesDefaultDecoder {
		hd, ok := m.(HasDecoder)
		if !ok {
			return errors.Errorf("model %q declares a custom decoder but does not expose it", m.Name())
		}
		plan = append(plan, artifact{DecoderFileName, func(path string) error {
			return writeArchitecture(hd.Decoder(), path)
		}})
	}

	for _, a := range plan {
		if err := a.write(filepath.Join(dirPath, a.name)); err != nil {
			return errors.WithMessagef(err, "saving model %q to %q", m.Name(), dirPath)
		}
	}
	return nil
}

func writeConfigJSON(config Config, path string) error {
	raw, err := json.MarshalIndent(config, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to encode model config")
	}
	if err = os.WriteFile(path, raw, 0660); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}

func writeStateDict(sd StateDict, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(map[string]StateDict{weightsKey: sd}); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write model weights to %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}

// writeArchitecture gob-encodes a custom encoder or decoder as an opaque
// artifact. arch is an interface value so the concrete type travels with it.
func writeArchitecture(arch any, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(&arch); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to serialize custom architecture to %q (is its type gob-registered?)", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}

// requireFile returns an os.ErrNotExist-wrapping error naming the artifact if
// it is absent from the directory.
func requireFile(dirPath, name string) error {
	path := filepath.Join(dirPath, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(os.ErrNotExist, "missing model file %q in %q", name, dirPath)
		}
		return errors.Wrapf(err, "failed to stat %q", path)
	}
	return nil
}

// LoadConfigFromFolder parses model_config.json from dirPath into the given
// config struct. A missing file is reported as an os.ErrNotExist-wrapping
// error naming it.
func LoadConfigFromFolder(dirPath string, config Config) error {
	if err := requireFile(dirPath, ConfigFileName); err != nil {
		return err
	}
	path := filepath.Join(dirPath, ConfigFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", path)
	}
	if err = json.Unmarshal(raw, config); err != nil {
		return errors.Wrapf(err, "failed to parse model config %q", path)
	}
	return nil
}

// LoadStateDictFromFolder reads and validates model.pt from dirPath. A
// missing file yields an os.ErrNotExist-wrapping error; a file with an
// unexpected top-level key yields an ErrStateSchema-wrapping error, so the
// two failure modes stay distinguishable.
func LoadStateDictFromFolder(dirPath string) (StateDict, error) {
	if err := requireFile(dirPath, WeightsFileName); err != nil {
		return nil, err
	}
	path := filepath.Join(dirPath, WeightsFileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	var wrapped map[string]StateDict
	if err = dec.Decode(&wrapped); err != nil {
		return nil, errors.Wrapf(ErrStateSchema, "failed to parse model weights %q: %v", path, err)
	}
	sd, found := wrapped[weightsKey]
	if !found {
		return nil, errors.Wrapf(ErrStateSchema, "%q has keys %v, want %q", path, keysOf(wrapped), weightsKey)
	}
	return sd, nil
}

func keysOf(m map[string]StateDict) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// CheckModelArtifacts verifies that every artifact the config declares is
// present in dirPath, custom sub-architectures first (decoder, then encoder,
// then the base files) so that partial corruption is diagnosable
// artifact-by-artifact.
func CheckModelArtifacts(dirPath string, base *BaseConfig) error {
	if !base.UsesDefaultDecoder {
		if err := requireFile(dirPath, DecoderFileName); err != nil {
			return err
		}
	}
	if !base.UsesDefaultEncoder {
		if err := requireFile(dirPath, EncoderFileName); err != nil {
			return err
		}
	}
	if err := requireFile(dirPath, ConfigFileName); err != nil {
		return err
	}
	return requireFile(dirPath, WeightsFileName)
}

// LoadEncoderFromFolder reconstructs a custom encoder from its artifact.
func LoadEncoderFromFolder(dirPath string) (Encoder, error) {
	arch, err := readArchitecture(dirPath, EncoderFileName)
	if err != nil {
		return nil, err
	}
	enc, ok := arch.(Encoder)
	if !ok {
		return nil, errors.Errorf("artifact %q in %q does not hold an encoder network", EncoderFileName, dirPath)
	}
	return enc, nil
}

// LoadDecoderFromFolder reconstructs a custom decoder from its artifact.
func LoadDecoderFromFolder(dirPath string) (Decoder, error) {
	arch, err := readArchitecture(dirPath, DecoderFileName)
	if err != nil {
		return nil, err
	}
	dec, ok := arch.(Decoder)
	if !ok {
		return nil, errors.Errorf("artifact %q in %q does not hold a decoder network", DecoderFileName, dirPath)
	}
	return dec, nil
}

func readArchitecture(dirPath, name string) (any, error) {
	if err := requireFile(dirPath, name); err != nil {
		return nil, err
	}
	path := filepath.Join(dirPath, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	var arch any
	if err = dec.Decode(&arch); err != nil {
		return nil, errors.Wrapf(err, "failed to parse custom architecture from %q (is its type gob-registered?)", path)
	}
	return arch, nil
}
