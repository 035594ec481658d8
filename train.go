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
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// ParamsExcludedFromSaving are context parameters not saved along model
// checkpoints, so they can be overridden on later sessions.
var ParamsExcludedFromSaving = []string{
	"epochs", "num_checkpoints", "nan_logger", "test_fraction", "split_seed",
}

// CreateDefaultContext creates a context with the default hyperparameters.
// Every value can be overridden from the command line through
// commandline.ParseContextSettings.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// Model geometry. The image size is a validated parameter, not a
		// contract: pairs are resized to it while loading.
		"num_classes":         2,
		"image_height":        56,
		"image_width":         70,
		"stem_channels":       256,
		"primary_channels":    256,
		"primary_capsule_dim": 8,
		"capsule_dim":         16,
		"routings":            3,

		// Training.
		"batch_size":      16,
		"eval_batch_size": 32,
		"epochs":          10,
		"test_fraction":   0.2,
		"split_seed":      42,
		"num_checkpoints": 3,

		// Trigger an error as soon as a NaN shows up -- expensive, but
		// helps debugging divergent training.
		"nan_logger": false,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// TrainModel loads the corpus listed in the manifest, builds the capsule
// network from the context hyperparameters and trains it for the configured
// number of epochs, reporting loss, accuracies and wall time per epoch.
//
// If checkpointPath is not empty, training state (global step, optimizer
// moments and all model parameters) is periodically saved there, and a
// previous checkpoint found there is restored before training resumes.
// paramsSet lists hyperparameters set on the command line, which then take
// precedence over checkpointed values.
func TrainModel(ctx *context.Context, manifestPath, checkpointPath string, paramsSet []string) {
	config := ConfigFromContext(ctx)
	must.M(config.Validate())

	backend := backends.New()

	examples := must.M1(LoadManifest(manifestPath, config.Height, config.Width, config.NumClasses))
	testFraction := context.GetParamOr(ctx, "test_fraction", 0.2)
	splitSeed := int64(context.GetParamOr(ctx, "split_seed", 42))
	trainSplit, testSplit := SplitExamples(examples, testFraction, splitSeed)
	klog.Infof("Loaded %d image pairs: %d train, %d test", len(examples), len(trainSplit), len(testSplit))

	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		exceptions.Panicf("batch_size must be > 0, got %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	rng := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	trainDS, trainEvalDS, testEvalDS := CreateDatasets(
		trainSplit, testSplit, config.Height, config.Width, batchSize, evalBatchSize, rng)

	// Checkpoints: loading (if any) happens at build time, saving on a
	// periodic callback and at every epoch end.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, filepath.Dir(manifestPath)).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	trainer := train.NewTrainer(backend, ctx,
		config.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	if context.GetParamOr(ctx, "nan_logger", false) {
		nanlogger.New().AttachToTrainer(trainer)
	}

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	if checkpoint != nil {
		train.PeriodicCallback(loop, time.Minute*3, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		klog.Infof("Resuming training from global step %d", globalStep)
		trainer.SetContext(ctx.Reuse())
	}

	epochs := context.GetParamOr(ctx, "epochs", 0)
	for epoch := 0; epoch < epochs; epoch++ {
		start := time.Now()
		_ = must.M1(loop.RunEpochs(trainDS, 1))
		elapsed := time.Since(start)
		fmt.Printf("Epoch %d of %d (%s):\n", epoch+1, epochs, elapsed.Round(time.Millisecond))
		must.M(commandline.ReportEval(trainer, trainEvalDS, testEvalDS))
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	}
	fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
		loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
}

// Evaluate restores a model from checkpointPath and reports loss and
// accuracy on the train and test splits of the manifest's corpus. It fails
// if the checkpoint directory holds no usable checkpoint.
func Evaluate(ctx *context.Context, manifestPath, checkpointPath string) {
	config := ConfigFromContext(ctx)
	must.M(config.Validate())
	if checkpointPath == "" {
		exceptions.Panicf("evaluation requires a checkpoint directory")
	}

	backend := backends.New()

	checkpoint := must.M1(checkpoints.Build(ctx).
		DirFromBase(checkpointPath, filepath.Dir(manifestPath)).
		ExcludeParams(ParamsExcludedFromSaving...).
		Done())
	if optimizers.GetGlobalStep(ctx) == 0 {
		exceptions.Panicf("no trained checkpoint found in %q", checkpoint.Dir())
	}

	examples := must.M1(LoadManifest(manifestPath, config.Height, config.Width, config.NumClasses))
	testFraction := context.GetParamOr(ctx, "test_fraction", 0.2)
	splitSeed := int64(context.GetParamOr(ctx, "split_seed", 42))
	trainSplit, testSplit := SplitExamples(examples, testFraction, splitSeed)
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 32)
	_, trainEvalDS, testEvalDS := CreateDatasets(
		trainSplit, testSplit, config.Height, config.Width, evalBatchSize, evalBatchSize, nil)

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	trainer := train.NewTrainer(backend, ctx.Reuse(),
		config.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		nil,
		[]metrics.Interface{meanAccuracyMetric})
	must.M(commandline.ReportEval(trainer, trainEvalDS, testEvalDS))
}
