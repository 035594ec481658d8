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

// This file builds the capsule network graph: convolutional stem, primary
// capsules, routed dense capsules and the classification head.

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/pkg/errors"

	"github.com/mr1528126360/Capsule/capsules"
)

// NumChannels is the depth of every input example: the two grayscale images
// of a pair stacked on the channels axis.
const NumChannels = 2

// Config holds the construction-time parameters of the capsule network.
// All of them are validated by Validate before any training step runs: a
// mismatch here is a wiring bug, not a training outcome.
type Config struct {
	// NumClasses is the number of output classes, and also the number of
	// output capsules of the routing layer.
	NumClasses int

	// Height and Width are the spatial resolution every image pair is
	// resized to. The network is constructed for this one resolution.
	Height, Width int

	// StemChannels is the number of channels of the convolutional stem
	// (kernel 9, stride 1).
	StemChannels int

	// PrimaryChannels and PrimaryCapsuleDim configure the primary capsule
	// layer (kernel 9, stride 2). PrimaryChannels must be divisible by
	// PrimaryCapsuleDim.
	PrimaryChannels   int
	PrimaryCapsuleDim int

	// CapsuleDim is the dimension of the routed output capsules.
	CapsuleDim int

	// Routings is the number of routing-by-agreement iterations.
	Routings int
}

// ConfigFromContext reads the model configuration from the context
// hyperparameters set by CreateDefaultContext.
func ConfigFromContext(ctx *context.Context) *Config {
	return &Config{
		NumClasses:        context.GetParamOr(ctx, "num_classes", 2),
		Height:            context.GetParamOr(ctx, "image_height", 56),
		Width:             context.GetParamOr(ctx, "image_width", 70),
		StemChannels:      context.GetParamOr(ctx, "stem_channels", 256),
		PrimaryChannels:   context.GetParamOr(ctx, "primary_channels", 256),
		PrimaryCapsuleDim: context.GetParamOr(ctx, "primary_capsule_dim", 8),
		CapsuleDim:        context.GetParamOr(ctx, "capsule_dim", 16),
		Routings:          context.GetParamOr(ctx, "routings", 3),
	}
}

// Kernel geometry fixed by the architecture.
const (
	stemKernelSize    = 9
	primaryKernelSize = 9
	primaryStride     = 2
)

// Validate checks the configuration, returning a descriptive error for
// anything that would otherwise fail (or silently mis-wire) mid-training.
func (c *Config) Validate() error {
	if c.NumClasses < 2 {
		return errors.Errorf("config: num_classes must be at least 2, got %d", c.NumClasses)
	}
	if c.Routings < 1 {
		return errors.Errorf("config: routings must be at least 1, got %d", c.Routings)
	}
	if c.StemChannels <= 0 || c.PrimaryChannels <= 0 || c.PrimaryCapsuleDim <= 0 || c.CapsuleDim <= 0 {
		return errors.Errorf("config: channel and capsule dimensions must be positive, got "+
			"stem_channels=%d, primary_channels=%d, primary_capsule_dim=%d, capsule_dim=%d",
			c.StemChannels, c.PrimaryChannels, c.PrimaryCapsuleDim, c.CapsuleDim)
	}
	if c.PrimaryChannels%c.PrimaryCapsuleDim != 0 {
		return errors.Errorf("config: primary_channels (%d) must be divisible by primary_capsule_dim (%d)",
			c.PrimaryChannels, c.PrimaryCapsuleDim)
	}
	if h, w := c.primarySpatial(); h <= 0 || w <= 0 {
		return errors.Errorf("config: image size %dx%d is too small for a %dx%d stem followed by a %dx%d stride-%d primary capsule convolution",
			c.Height, c.Width, stemKernelSize, stemKernelSize, primaryKernelSize, primaryKernelSize, primaryStride)
	}
	return nil
}

// primarySpatial returns the spatial size of the primary capsule
// convolution's output.
func (c *Config) primarySpatial() (height, width int) {
	height = c.Height - (stemKernelSize - 1)
	width = c.Width - (stemKernelSize - 1)
	height = (height-primaryKernelSize)/primaryStride + 1
	width = (width-primaryKernelSize)/primaryStride + 1
	return
}

// NumPrimaryCapsules returns the number of primary capsules the network
// produces for the configured input resolution.
func (c *Config) NumPrimaryCapsules() int {
	h, w := c.primarySpatial()
	return h * w * c.PrimaryChannels / c.PrimaryCapsuleDim
}

// ModelGraph builds the capsule network. It implements train.ModelFn.
//
// inputs carries a single tensor shaped `[batch, height, width, 2]`; the
// returned single tensor holds the per-class logits, shaped
// `[batch, numClasses]`. The losses and ClassifyGraph apply the softmax.
func (c *Config) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	ctx = ctx.In("model")
	images := inputs[0]
	batchSize := images.Shape().Dimensions[0]
	images.AssertDims(batchSize, c.Height, c.Width, NumChannels)

	stem := layers.Convolution(ctx.In("stem"), images).
		Filters(c.StemChannels).
		KernelSize(stemKernelSize).
		Strides(1).
		NoPadding().
		Done()
	stem = activations.Relu(stem)

	primary := capsules.Primary(ctx.In("primary"), stem).
		Channels(c.PrimaryChannels).
		CapsuleDim(c.PrimaryCapsuleDim).
		KernelSize(primaryKernelSize).
		Strides(primaryStride).
		Done()
	primary.AssertDims(batchSize, c.NumPrimaryCapsules(), c.PrimaryCapsuleDim)

	routed := capsules.Dense(ctx.In("routing"), primary).
		NumCapsules(c.NumClasses).
		CapsuleDim(c.CapsuleDim).
		Routings(c.Routings).
		Done()
	routed.AssertDims(batchSize, c.NumClasses, c.CapsuleDim)

	// The head input size follows from the routed shape, never a literal.
	flat := Reshape(routed, batchSize, c.NumClasses*c.CapsuleDim)
	logits := activations.Relu(layers.DenseWithBias(ctx.In("head"), flat, c.NumClasses))
	return []*Node{logits}
}

// ClassifyGraph builds the network and returns per-class probabilities,
// shaped `[batch, numClasses]`.
func (c *Config) ClassifyGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	logits := c.ModelGraph(ctx, spec, inputs)[0]
	return []*Node{Softmax(logits, -1)}
}
