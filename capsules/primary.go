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

package capsules

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// PrimaryConfig is a builder for a primary capsule layer. Use Primary to
// create it, set the options and call Done to add the layer to the graph.
type PrimaryConfig struct {
	ctx *context.Context
	x   *Node

	channels   int
	capsuleDim int
	kernelSize int
	strides    int
}

// Primary creates a builder for a primary capsule layer: a 2D convolution
// over x, shaped `[batch, height, width, channels]`, whose output is
// reinterpreted as a set of capsule vectors shaped
// `[batch, numCapsules, capsuleDim]` and then squashed.
//
// The number of capsules is derived from the convolution output:
// `outHeight * outWidth * channels / capsuleDim`. The division must be exact,
// otherwise Done panics -- it is a configuration error, caught before any
// training happens.
//
// The default configuration uses 256 channels, capsules of dimension 8, a 9x9
// kernel and stride 2.
func Primary(ctx *context.Context, x *Node) *PrimaryConfig {
	return &PrimaryConfig{
		ctx:        ctx,
		x:          x,
		channels:   256,
		capsuleDim: 8,
		kernelSize: 9,
		strides:    2,
	}
}

// Channels sets the number of output channels of the convolution.
func (c *PrimaryConfig) Channels(channels int) *PrimaryConfig {
	c.channels = channels
	return c
}

// CapsuleDim sets the dimension of each output capsule vector.
func (c *PrimaryConfig) CapsuleDim(dim int) *PrimaryConfig {
	c.capsuleDim = dim
	return c
}

// KernelSize sets the size of the square convolution kernel.
func (c *PrimaryConfig) KernelSize(size int) *PrimaryConfig {
	c.kernelSize = size
	return c
}

// Strides sets the convolution stride, same in both spatial dimensions.
func (c *PrimaryConfig) Strides(strides int) *PrimaryConfig {
	c.strides = strides
	return c
}

// Done adds the layer to the graph and returns the squashed capsules, shaped
// `[batch, numCapsules, capsuleDim]`.
func (c *PrimaryConfig) Done() *Node {
	x := c.x
	if x.Rank() != 4 {
		exceptions.Panicf("capsules: Primary requires input shaped [batch, height, width, channels], got %s", x.Shape())
	}
	if c.capsuleDim <= 0 {
		exceptions.Panicf("capsules: Primary capsule dimension must be positive, got %d", c.capsuleDim)
	}
	if c.channels%c.capsuleDim != 0 {
		exceptions.Panicf("capsules: Primary channels (%d) must be divisible by the capsule dimension (%d)",
			c.channels, c.capsuleDim)
	}
	conv := layers.Convolution(c.ctx, x).
		Filters(c.channels).
		KernelSize(c.kernelSize).
		Strides(c.strides).
		NoPadding().
		Done()
	dims := conv.Shape().Dimensions
	batchSize := dims[0]
	flatSize := dims[1] * dims[2] * dims[3]
	if flatSize%c.capsuleDim != 0 {
		exceptions.Panicf("capsules: Primary convolution output %s flattens to %d values, not divisible by the capsule dimension (%d)",
			conv.Shape(), flatSize, c.capsuleDim)
	}
	numCapsules := flatSize / c.capsuleDim
	return Squash(Reshape(conv, batchSize, numCapsules, c.capsuleDim), -1)
}
