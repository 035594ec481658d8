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
	"github.com/gomlx/gomlx/types/shapes"
)

// DenseConfig is a builder for a dense capsule layer with
// routing-by-agreement. Use Dense to create it, set the options and call
// Done to add the layer to the graph.
type DenseConfig struct {
	ctx *context.Context
	x   *Node

	numCapsules int
	capsuleDim  int
	routings    int
}

// Dense creates a builder for a dense capsule layer: it transforms the input
// capsules, shaped `[batch, inCapsules, inDim]`, into `numCapsules` output
// capsules of dimension `capsuleDim` through a learned per-pair
// transformation and an iterative routing-by-agreement procedure.
//
// The layer owns one weight variable shaped
// `[numCapsules, inCapsules, capsuleDim, inDim]`, created in the given
// context scope. The number of routing iterations defaults to 3 and must be
// at least 1, otherwise Done panics.
func Dense(ctx *context.Context, x *Node) *DenseConfig {
	return &DenseConfig{
		ctx:         ctx,
		x:           x,
		numCapsules: 10,
		capsuleDim:  16,
		routings:    3,
	}
}

// NumCapsules sets the number of output capsules. For a classifier this is
// usually the number of classes.
func (c *DenseConfig) NumCapsules(n int) *DenseConfig {
	c.numCapsules = n
	return c
}

// CapsuleDim sets the dimension of each output capsule vector.
func (c *DenseConfig) CapsuleDim(dim int) *DenseConfig {
	c.capsuleDim = dim
	return c
}

// Routings sets the number of routing iterations.
func (c *DenseConfig) Routings(routings int) *DenseConfig {
	c.routings = routings
	return c
}

// Done adds the layer to the graph and returns the routed output capsules,
// shaped `[batch, numCapsules, capsuleDim]`.
//
// Routing-by-agreement: every (output, input) capsule pair gets a vote --
// the input capsule vector transformed by that pair's weight sub-matrix.
// Coupling logits start at zero on every call (they are not parameters). On
// each iteration the logits are softmax-normalized over the output-capsule
// axis, so each input capsule distributes a total coupling mass of 1 across
// the output capsules; votes are then combined per output capsule with those
// coupling coefficients and squashed.
//
// All iterations except the last operate on votes detached from the gradient
// with StopGradient, and update the logits with the agreement (dot product)
// between the iteration's output and each vote. The last iteration combines
// the gradient-carrying votes and leaves the logits alone. The refinement
// loop is thus treated as a fixed-point computation for differentiation:
// only the final combination is on the trained gradient path.
func (c *DenseConfig) Done() *Node {
	x := c.x
	if x.Rank() != 3 {
		exceptions.Panicf("capsules: Dense requires input shaped [batch, capsules, dim], got %s", x.Shape())
	}
	if c.routings < 1 {
		exceptions.Panicf("capsules: Dense routings must be at least 1, got %d", c.routings)
	}
	if c.numCapsules <= 0 || c.capsuleDim <= 0 {
		exceptions.Panicf("capsules: Dense requires positive numCapsules (%d) and capsuleDim (%d)",
			c.numCapsules, c.capsuleDim)
	}
	g := x.Graph()
	dtype := x.DType()
	dims := x.Shape().Dimensions
	batchSize, inCapsules, inDim := dims[0], dims[1], dims[2]

	weightsVar := c.ctx.VariableWithShape("weights",
		shapes.Make(dtype, c.numCapsules, inCapsules, c.capsuleDim, inDim))
	weights := weightsVar.ValueGraph(g)

	// votes[b,j,i,o] is input capsule i's prediction for output capsule j.
	votes := Einsum("jiod,bid->bjio", weights, x)
	detachedVotes := StopGradient(votes)

	logits := Zeros(g, shapes.Make(dtype, batchSize, c.numCapsules, inCapsules))
	var outputs *Node
	for iter := 0; iter < c.routings; iter++ {
		lastIter := iter == c.routings-1
		coupling := Softmax(logits, 1)
		iterVotes := detachedVotes
		if lastIter {
			iterVotes = votes
		}
		weighted := ReduceSum(Mul(ExpandDims(coupling, -1), iterVotes), 2)
		outputs = Squash(weighted, -1)
		if !lastIter {
			agreement := ReduceSum(Mul(ExpandDims(outputs, 2), detachedVotes), -1)
			logits = Add(logits, agreement)
		}
	}
	return outputs
}
