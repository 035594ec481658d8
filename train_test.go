/*
 *	Copyright 2025 The Capsule Authors
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

package capsule

import (
	"math/rand"
	"os"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func init() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		// For testing, use the CPU (and avoid a GPU if not explicitly requested).
		_ = os.Setenv(backends.ConfigEnvVar, "xla:cpu")
	}
}

// testTrainingContext returns a context with a small network, quick to train
// on the CPU.
func testTrainingContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		"image_height":        24,
		"image_width":         24,
		"stem_channels":       32,
		"primary_channels":    32,
		"primary_capsule_dim": 8,
		"capsule_dim":         16,
		"routings":            2,
		"batch_size":          8,

		optimizers.ParamLearningRate: 1e-2,
	})
	return ctx
}

// makeSeparableExamples builds a corpus with clearly separable classes:
// class 0 pairs are dark, class 1 pairs are bright, plus a little noise.
func makeSeparableExamples(n, height, width int) []*Example {
	rng := rand.New(rand.NewSource(3))
	examples := make([]*Example, n)
	for i := range examples {
		label := int32(i % 2)
		base := 0.1 + 0.7*float32(label)
		input := make([]float32, height*width*NumChannels)
		for p := range input {
			input[p] = base + 0.1*rng.Float32()
		}
		examples[i] = &Example{PairID: "synthetic", Input: input, Label: label}
	}
	return examples
}

// evalAccuracy runs the trained model over the examples and returns the
// fraction with the arg-max class equal to the label.
func evalAccuracy(t *testing.T, backend backends.Backend, ctx *context.Context, config *Config, examples []*Example) float64 {
	exec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
		logits := config.ModelGraph(ctx, nil, []*Node{images})[0]
		return ArgMax(logits, -1, dtypes.Int32)
	})
	flat := make([]float32, 0, len(examples)*config.Height*config.Width*NumChannels)
	for _, example := range examples {
		flat = append(flat, example.Input...)
	}
	batch := tensors.FromFlatDataAndDimensions(flat, len(examples), config.Height, config.Width, NumChannels)
	predictions := exec.Call(batch)[0].Value().([]int32)
	require.Len(t, predictions, len(examples))
	var hits int
	for i, example := range examples {
		if predictions[i] == example.Label {
			hits++
		}
	}
	return float64(hits) / float64(len(examples))
}

// TestTrainEndToEnd is the regression guard for the routing and squash
// implementations: a 2-class network on a clearly separable synthetic corpus
// must fit the training data perfectly within a few epochs.
func TestTrainEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
	}
	ctx := testTrainingContext()
	config := ConfigFromContext(ctx)
	require.NoError(t, config.Validate())

	backend := backends.New()
	examples := makeSeparableExamples(32, config.Height, config.Width)
	trainDS := NewDataset("train", examples, config.Height, config.Width).
		BatchSize(8, true).Shuffle(rand.New(rand.NewSource(42)))

	trainer := train.NewTrainer(backend, ctx,
		config.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		nil, nil)
	loop := train.NewLoop(trainer)
	_ = must.M1(loop.RunEpochs(trainDS, 10))

	accuracy := evalAccuracy(t, backend, ctx, config, examples)
	assert.Equal(t, 1.0, accuracy, "separable corpus must be fit perfectly")
}

// metricValue converts a scalar metric tensor to float64.
func metricValue(t *testing.T, metric *tensors.Tensor) float64 {
	switch v := metric.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		t.Fatalf("unexpected metric type %T", v)
		return 0
	}
}

// TestCheckpointRoundTrip saves a partially trained model and verifies a
// freshly constructed model+optimizer restored from the checkpoint continues
// training exactly as the original would.
func TestCheckpointRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping checkpoint test in short mode")
	}
	checkpointDir := t.TempDir()
	backend := backends.New()

	ctx := testTrainingContext()
	config := ConfigFromContext(ctx)
	require.NoError(t, config.Validate())
	examples := makeSeparableExamples(32, config.Height, config.Width)
	newTrainDS := func() *Dataset {
		// Unshuffled, so both continuations see identical batches.
		return NewDataset("train", examples, config.Height, config.Width).BatchSize(8, true)
	}

	checkpoint := must.M1(checkpoints.Build(ctx).
		DirFromBase(checkpointDir, checkpointDir).
		Keep(2).
		ExcludeParams(ParamsExcludedFromSaving...).
		Done())
	trainer := train.NewTrainer(backend, ctx,
		config.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		nil, nil)
	loop := train.NewLoop(trainer)
	_ = must.M1(loop.RunEpochs(newTrainDS(), 2))
	must.M(checkpoint.Save())
	savedStep := optimizers.GetGlobalStep(ctx)
	require.Greater(t, savedStep, int64(0))

	// Continue the original for one more epoch.
	originalMetrics := must.M1(loop.RunEpochs(newTrainDS(), 1))

	// Restore into a freshly constructed context: global step, parameters
	// and optimizer state must all come back.
	restoredCtx := testTrainingContext()
	_ = must.M1(checkpoints.Build(restoredCtx).
		DirFromBase(checkpointDir, checkpointDir).
		ExcludeParams(ParamsExcludedFromSaving...).
		Done())
	require.Equal(t, savedStep, optimizers.GetGlobalStep(restoredCtx))

	restoredTrainer := train.NewTrainer(backend, restoredCtx,
		config.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(restoredCtx),
		nil, nil)
	restoredLoop := train.NewLoop(restoredTrainer)
	restoredMetrics := must.M1(restoredLoop.RunEpochs(newTrainDS(), 1))

	// Identical state + identical batches => identical metrics for the
	// continuation epoch.
	require.Len(t, restoredMetrics, len(originalMetrics))
	for i := range originalMetrics {
		assert.InDelta(t,
			metricValue(t, originalMetrics[i]),
			metricValue(t, restoredMetrics[i]),
			1e-4, "metric %d diverged after restore", i)
	}
	require.Equal(t, optimizers.GetGlobalStep(ctx), optimizers.GetGlobalStep(restoredCtx))
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			NumClasses:        2,
			Height:            56,
			Width:             70,
			StemChannels:      256,
			PrimaryChannels:   256,
			PrimaryCapsuleDim: 8,
			CapsuleDim:        16,
			Routings:          3,
		}
	}
	require.NoError(t, base().Validate())

	c := base()
	c.Routings = 0
	require.ErrorContains(t, c.Validate(), "routings")

	c = base()
	c.PrimaryChannels = 250 // not divisible by 8
	require.ErrorContains(t, c.Validate(), "divisible")

	c = base()
	c.Height, c.Width = 12, 12 // too small for the two kernel-9 convolutions
	require.ErrorContains(t, c.Validate(), "too small")

	c = base()
	c.NumClasses = 1
	require.ErrorContains(t, c.Validate(), "num_classes")
}
