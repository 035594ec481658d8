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

// capsnet trains and evaluates a capsule-network classifier over pairs of
// grayscale medical images.
//
//  1. With `capsnet --train`: trains the network on the corpus listed by the
//     manifest given with --data.
//  2. With `capsnet --eval`: restores the checkpoint given with --checkpoint
//     and reports accuracy on the train and test splits.
//
// Hyperparameters can be overridden with --set, e.g.
// `capsnet --train --set="routings=2;epochs=5"`.
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/mr1528126360/Capsule"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagTrain      = flag.Bool("train", false, "Train the model.")
	flagEval       = flag.Bool("eval", false, "Evaluate a checkpointed model.")
	flagData       = flag.String("data", "manifest.csv", "Path to the CSV manifest listing the image pairs.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save/restore checkpoints from.")
)

func main() {
	ctx := capsule.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	klog.InitFlags(nil)
	flag.Parse()

	err := exceptions.TryCatch[error](func() {
		paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
		switch {
		case *flagTrain:
			capsule.TrainModel(ctx, *flagData, *flagCheckpoint, paramsSet)
			klog.Infof("Model trained from %s", *flagData)
		case *flagEval:
			capsule.Evaluate(ctx, *flagData, *flagCheckpoint)
		default:
			klog.Info("Nothing to do: use --train and/or --eval, optionally --data, --checkpoint and --set.")
		}
	})
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
	}
}
