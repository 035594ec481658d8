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
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"golang.org/x/exp/constraints"
)

var (
	// Assert Dataset implements train.Dataset.
	_ train.Dataset = &Dataset{}
)

// Dataset implements train.Dataset over a slice of Examples, so a
// train.Loop can consume it for training and evaluation.
//
// It yields batches shaped `[batch, height, width, 2]` (float32) with labels
// shaped `[batch, 1]` (int32).
type Dataset struct {
	name     string
	examples []*Example
	height   int
	width    int

	batchSize      int
	dropIncomplete bool
	shuffle        *rand.Rand
	infinite       bool

	mu       sync.Mutex
	indices  []int
	position int
}

// NewDataset creates a Dataset over the given examples. Configure it with
// BatchSize, Shuffle and Infinite before use.
func NewDataset(name string, examples []*Example, height, width int) *Dataset {
	ds := &Dataset{
		name:      name,
		examples:  examples,
		height:    height,
		width:     width,
		batchSize: 1,
	}
	ds.resetIndices()
	return ds
}

// Copy returns a copy of the dataset sharing the examples but with an
// independent iteration state.
func (ds *Dataset) Copy() *Dataset {
	newDS := &Dataset{
		name:           ds.name,
		examples:       ds.examples,
		height:         ds.height,
		width:          ds.width,
		batchSize:      ds.batchSize,
		dropIncomplete: ds.dropIncomplete,
		shuffle:        ds.shuffle,
		infinite:       ds.infinite,
	}
	newDS.resetIndices()
	return newDS
}

// BatchSize sets the batch size, and whether a last incomplete batch is
// yielded or dropped.
func (ds *Dataset) BatchSize(batchSize int, dropIncomplete bool) *Dataset {
	ds.batchSize = batchSize
	ds.dropIncomplete = dropIncomplete
	return ds
}

// Shuffle reshuffles the example order at every epoch, using the given rng.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.resetIndices()
	return ds
}

// Infinite makes the dataset loop forever, reshuffling (if configured) at
// every pass. Used for training with a step-driven loop; evaluation datasets
// stay finite and signal io.EOF at the end of each epoch.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// Size returns the number of examples.
func (ds *Dataset) Size() int { return len(ds.examples) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset, restarting the dataset for a new epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetIndices()
}

func (ds *Dataset) resetIndices() {
	ds.position = 0
	if ds.shuffle != nil {
		ds.indices = ds.shuffle.Perm(len(ds.examples))
		return
	}
	ds.indices = make([]int, len(ds.examples))
	for i := range ds.indices {
		ds.indices[i] = i
	}
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the Dataset itself, not otherwise used.
//   - inputs: one tensor shaped `[batch, height, width, 2]`.
//   - labels: one tensor shaped `[batch, 1]`, dtype int32, as the sparse
//     categorical losses and metrics expect.
//
// A finite dataset signals the end of an epoch with a bare io.EOF (no
// tensors), after which it is ready for the next epoch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	remaining := len(ds.indices) - ds.position
	if remaining <= 0 || (remaining < ds.batchSize && (ds.dropIncomplete || ds.infinite)) {
		if !ds.infinite {
			// Leave the dataset ready for the next epoch.
			ds.resetIndices()
			return nil, nil, nil, io.EOF
		}
		ds.resetIndices()
		remaining = len(ds.indices)
	}
	n := ds.batchSize
	if n > remaining {
		n = remaining
	}
	batch := ds.indices[ds.position : ds.position+n]
	ds.position += n

	inputSize := ds.height * ds.width * NumChannels
	flatInputs := make([]float32, 0, n*inputSize)
	flatLabels := make([]int32, 0, n)
	for _, idx := range batch {
		example := ds.examples[idx]
		flatInputs = append(flatInputs, example.Input...)
		flatLabels = append(flatLabels, example.Label)
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(flatInputs, n, ds.height, ds.width, NumChannels)}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(flatLabels, n, 1)}
	return ds, inputs, labels, nil
}

// IsOwnershipTransferred tells the training loop the dataset keeps ownership
// of the yielded tensors.
func (ds *Dataset) IsOwnershipTransferred() bool { return false }

// SplitExamples deterministically shuffles the examples with the given seed
// and splits them into train and test slices, with testFraction (in [0, 1))
// of the examples going to test. The same seed always produces the same
// partition.
func SplitExamples(examples []*Example, testFraction float64, seed int64) (trainSplit, testSplit []*Example) {
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(len(examples))
	shuffled := Select(examples, perm)
	numTest := int(testFraction * float64(len(examples)))
	return shuffled[numTest:], shuffled[:numTest]
}

// Select returns the items at the given indices, skipping out-of-range ones.
func Select[T any, I constraints.Integer](items []T, idx []I) []T {
	selItems := make([]T, 0, len(idx))
	nItems := len(items)
	for _, i := range idx {
		if i >= 0 && int(i) < nItems {
			selItems = append(selItems, items[i])
		}
	}
	return selItems
}

// CreateDatasets builds the three datasets a training run uses: a shuffled
// epoch-driven training dataset (incomplete last batch dropped) and finite
// evaluation datasets over the train and test splits. rng may be nil for an
// unshuffled training dataset.
func CreateDatasets(trainSplit, testSplit []*Example, height, width, batchSize, evalBatchSize int, rng *rand.Rand) (trainDS, trainEvalDS, testEvalDS train.Dataset) {
	trainDS = NewDataset("train", trainSplit, height, width).
		BatchSize(batchSize, true).Shuffle(rng)
	trainEvalDS = NewDataset("train-eval", trainSplit, height, width).
		BatchSize(evalBatchSize, false)
	testEvalDS = NewDataset("test-eval", testSplit, height, width).
		BatchSize(evalBatchSize, false)
	return
}
