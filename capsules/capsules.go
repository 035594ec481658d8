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

// Package capsules implements capsule layers for GoMLX: the Squash
// nonlinearity, a primary capsule layer that reinterprets a convolutional
// feature map as capsule vectors, and a dense capsule layer that connects
// them with iterative routing-by-agreement.
//
// A capsule is a vector-valued unit: its direction encodes the pose of the
// entity it represents and its length, kept in [0, 1) by Squash, encodes the
// probability that the entity is present.
package capsules

import (
	. "github.com/gomlx/gomlx/graph"
)

// SquashEpsilon guards the division by the vector norm in Squash, making
// squash(0) == 0 exact instead of a division by zero.
const SquashEpsilon = 1e-8

// Squash maps each vector taken along the given axis to a vector with the
// same direction and length ‖v‖²/(1+‖v‖²), which lies in [0, 1).
//
// Lengths saturate towards 1 for long vectors and vanish quadratically for
// short ones, so a capsule's length can be read as an existence probability.
func Squash(x *Node, axis int) *Node {
	normSquare := ReduceAndKeep(Square(x), ReduceSum, axis)
	norm := Sqrt(normSquare)
	scale := Div(normSquare, OnePlus(normSquare))
	return Mul(scale, Div(x, AddScalar(norm, SquashEpsilon)))
}
