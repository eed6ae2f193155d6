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

package models_test

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugatoray/benchmark-VAE/ml/graph"
	"github.com/sugatoray/benchmark-VAE/ml/layers"
	"github.com/sugatoray/benchmark-VAE/ml/models"
	"github.com/sugatoray/benchmark-VAE/types/tensors"
)

// stubModel is a minimal Model for exercising the persistence subsystem
// independently of the real model classes.
type stubModel struct {
	config  *models.BaseConfig
	encoder models.Encoder
	decoder models.Decoder
	weights models.StateDict
}

func newStubModel(customEncoder, customDecoder bool) *stubModel {
	layers.SeedRNG(21)
	m := &stubModel{
		config: &models.BaseConfig{
			Name:               "STUB",
			InputDim:           []int{4},
			LatentDim:          2,
			UsesDefaultEncoder: !customEncoder,
			UsesDefaultDecoder: !customDecoder,
		},
		encoder: layers.NewMLPEncoder(4, 2),
		decoder: layers.NewMLPDecoder(2, 4),
		weights: models.StateDict{"w": tensors.FromFlat([]float64{1, 2, 3, 4}, 2, 2)},
	}
	return m
}

func (m *stubModel) Name() string { return m.config.Name }

func (m *stubModel) Config() models.Config { return m.config }

func (m *stubModel) Parameters() []*tensors.Tensor { return []*tensors.Tensor{m.weights["w"]} }

func (m *stubModel) StateDict() models.StateDict { return m.weights }

func (m *stubModel) Encoder() models.Encoder { return m.encoder }

func (m *stubModel) Decoder() models.Decoder { return m.decoder }

func (m *stubModel) Save(dirPath string) error { return models.SaveModel(m, dirPath) }
func (m *stubModel) LoadStateDict(sd models.StateDict) error {
	return sd.CopyInto(m.weights)
}
func (m *stubModel) Forward(inputs *tensors.Tensor) (models.ModelOutput, error) {
	return models.ModelOutput{"out": graph.Const(inputs)}, nil
}

func TestStateDictOps(t *testing.T) {
	sd := models.StateDict{
		"b": tensors.FromFlat([]float64{1, 2}, 2),
		"a": tensors.FromFlat([]float64{3}, 1),
	}
	assert.Equal(t, []string{"a", "b"}, sd.Keys())

	c := sd.Clone()
	assert.True(t, sd.Equal(c))
	c["b"].Set(9, 0)
	assert.False(t, sd.Equal(c))

	merged := make(models.StateDict)
	merged.Merge("enc.", sd)
	assert.Equal(t, []string{"enc.a", "enc.b"}, merged.Keys())
	assert.True(t, merged.WithPrefix("enc.").Equal(sd))
}

func TestStateDictCopyInto(t *testing.T) {
	dst := models.StateDict{"w": tensors.New(2, 2)}
	src := models.StateDict{"w": tensors.FromFlat([]float64{1, 2, 3, 4}, 2, 2)}
	require.NoError(t, src.CopyInto(dst))
	assert.True(t, dst["w"].Equal(src["w"]))

	// Mismatched key sets and shapes are rejected.
	require.Error(t, models.StateDict{"v": tensors.New(2, 2)}.CopyInto(dst))
	require.Error(t, models.StateDict{"w": tensors.New(4)}.CopyInto(dst))
	require.Error(t, models.StateDict{}.CopyInto(dst))
}

func TestSaveModelArtifactSets(t *testing.T) {
	cases := []struct {
		name                         string
		customEncoder, customDecoder bool
		want                         []string
	}{
		{"defaults", false, false, []string{models.ConfigFileName, models.WeightsFileName}},
		{"custom encoder", true, false, []string{models.ConfigFileName, models.WeightsFileName, models.EncoderFileName}},
		{"custom decoder", false, true, []string{models.ConfigFileName, models.WeightsFileName, models.DecoderFileName}},
		{"custom both", true, true, []string{models.ConfigFileName, models.WeightsFileName, models.EncoderFileName, models.DecoderFileName}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			m := newStubModel(tc.customEncoder, tc.customDecoder)
			require.NoError(t, models.SaveModel(m, dir))

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			var got []string
			for _, e := range entries {
				got = append(got, e.Name())
			}
			assert.ElementsMatch(t, tc.want, got)
		})
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := newStubModel(false, false)
	require.NoError(t, models.SaveModel(m, dir))

	sd, err := models.LoadStateDictFromFolder(dir)
	require.NoError(t, err)
	assert.True(t, sd.Equal(m.StateDict()))
}

func TestLoadStateDictMissingFile(t *testing.T) {
	_, err := models.LoadStateDictFromFolder(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorContains(t, err, models.WeightsFileName)
}

func TestLoadStateDictWrongTopLevelKey(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, models.WeightsFileName))
	require.NoError(t, err)
	wrapped := map[string]models.StateDict{
		"weights": {"w": tensors.New(2)},
	}
	require.NoError(t, gob.NewEncoder(f).Encode(wrapped))
	require.NoError(t, f.Close())

	_, err = models.LoadStateDictFromFolder(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStateSchema)
	assert.NotErrorIs(t, err, os.ErrNotExist)
	assert.ErrorContains(t, err, "weights")
}

func TestCheckModelArtifactsOrder(t *testing.T) {
	dir := t.TempDir()
	base := &models.BaseConfig{
		Name:               "STUB",
		UsesDefaultEncoder: false,
		UsesDefaultDecoder: false,
	}

	err := models.CheckModelArtifacts(dir, base)
	require.Error(t, err)
	assert.ErrorContains(t, err, models.DecoderFileName)

	require.NoError(t, os.WriteFile(filepath.Join(dir, models.DecoderFileName), []byte("x"), 0660))
	err = models.CheckModelArtifacts(dir, base)
	require.Error(t, err)
	assert.ErrorContains(t, err, models.EncoderFileName)

	require.NoError(t, os.WriteFile(filepath.Join(dir, models.EncoderFileName), []byte("x"), 0660))
	err = models.CheckModelArtifacts(dir, base)
	require.Error(t, err)
	assert.ErrorContains(t, err, models.ConfigFileName)

	require.NoError(t, os.WriteFile(filepath.Join(dir, models.ConfigFileName), []byte("{}"), 0660))
	err = models.CheckModelArtifacts(dir, base)
	require.Error(t, err)
	assert.ErrorContains(t, err, models.WeightsFileName)

	require.NoError(t, os.WriteFile(filepath.Join(dir, models.WeightsFileName), []byte("x"), 0660))
	require.NoError(t, models.CheckModelArtifacts(dir, base))
}

func TestArchitectureArtifactRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := newStubModel(true, true)
	require.NoError(t, models.SaveModel(m, dir))

	enc, err := models.LoadEncoderFromFolder(dir)
	require.NoError(t, err)
	assert.True(t, enc.StateDict().Equal(m.encoder.StateDict()))

	dec, err := models.LoadDecoderFromFolder(dir)
	require.NoError(t, err)
	assert.True(t, dec.StateDict().Equal(m.decoder.StateDict()))
}

func TestRegistryDispatch(t *testing.T) {
	models.Register("STUB_TEST", func(dirPath string) (models.Model, error) {
		m := newStubModel(false, false)
		sd, err := models.LoadStateDictFromFolder(dirPath)
		if err != nil {
			return nil, err
		}
		return m, m.LoadStateDict(sd)
	})
	assert.Contains(t, models.RegisteredModels(), "STUB_TEST")
	assert.Panics(t, func() { models.Register("STUB_TEST", nil) })

	dir := t.TempDir()
	m := newStubModel(false, false)
	m.config.Name = "STUB_TEST"
	m.weights["w"].Set(42, 0, 0)
	require.NoError(t, models.SaveModel(m, dir))

	loaded, err := models.LoadFromFolder(dir)
	require.NoError(t, err)
	assert.Equal(t, 42.0, loaded.StateDict()["w"].At(0, 0))
}

func TestRegistryUnknownName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, models.ConfigFileName),
		[]byte(`{"name": "NO_SUCH_MODEL"}`), 0660))
	_, err := models.LoadFromFolder(dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "NO_SUCH_MODEL")
}

func TestRegistryMissingConfig(t *testing.T) {
	_, err := models.LoadFromFolder(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorContains(t, err, models.ConfigFileName)
}

type panickyEncoder struct{ layers.MLPEncoder }

func (p *panickyEncoder) Encode(x *graph.Node) *graph.Node {
	exceptions.Panicf("exploding encoder")
	return nil
}

func TestCapabilityChecks(t *testing.T) {
	layers.SeedRNG(5)
	require.NoError(t, models.CheckEncoder(layers.NewMLPEncoder(4, 2), 4, 2))
	require.NoError(t, models.CheckDecoder(layers.NewMLPDecoder(2, 4), 4, 2))

	// Wrong embedding width.
	err := models.CheckEncoder(layers.NewMLPEncoder(4, 3), 4, 2)
	require.Error(t, err)
	var bad *models.BadInheritanceError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, "encoder", bad.Arch)

	// Wrong reconstruction width.
	err = models.CheckDecoder(layers.NewMLPDecoder(2, 5), 4, 2)
	require.Error(t, err)
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, "decoder", bad.Arch)

	// Panics inside the probe are contained and reported.
	err = models.CheckEncoder(&panickyEncoder{*layers.NewMLPEncoder(4, 2)}, 4, 2)
	require.Error(t, err)
	require.ErrorAs(t, err, &bad)
	assert.Contains(t, bad.Reason, "exploding")
}
