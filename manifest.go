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

// This file loads the paired-image corpus described by a CSV manifest. It is
// the data-preparation side of the system: the network only ever sees the
// fixed-shape tensors produced here.

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Manifest column names. The manifest is a CSV file with a header row; image
// paths are relative to the manifest's directory.
const (
	ColPairID = "pair_id"
	ColImageA = "image_a"
	ColImageB = "image_b"
	ColLabel  = "label"
)

var manifestColumnTypes = map[string]series.Type{
	ColPairID: series.String,
	ColImageA: series.String,
	ColImageB: series.String,
	ColLabel:  series.Int,
}

// Example is one record of the corpus: the two grayscale images of a pair,
// resized to height x width, stacked on the channels axis and flattened in
// row-major `[height, width, 2]` order, plus the class label.
type Example struct {
	PairID string
	Input  []float32
	Label  int32
}

// LoadManifest reads the CSV manifest at manifestPath, decodes and resizes
// every image pair it lists, and returns the corpus. Labels must be in
// `[0, numClasses)` and every listed image must decode; any violation is an
// error, not a skipped row.
func LoadManifest(manifestPath string, height, width, numClasses int) ([]*Example, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest %q", manifestPath)
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.WithTypes(manifestColumnTypes))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse manifest %q", manifestPath)
	}
	names := df.Names()
	for _, col := range []string{ColPairID, ColImageA, ColImageB, ColLabel} {
		if slices.Index(names, col) == -1 {
			return nil, errors.Errorf("manifest %q is missing column %q (columns found: %v)",
				manifestPath, col, names)
		}
	}

	baseDir := filepath.Dir(manifestPath)
	numRows := df.Nrow()
	if numRows == 0 {
		return nil, errors.Errorf("manifest %q lists no image pairs", manifestPath)
	}
	examples := make([]*Example, 0, numRows)
	bar := progressbar.Default(int64(numRows), "loading image pairs")
	for row := 0; row < numRows; row++ {
		pairID := df.Col(ColPairID).Elem(row).String()
		label, err := df.Col(ColLabel).Elem(row).Int()
		if err != nil {
			return nil, errors.Wrapf(err, "manifest %q row %d (%s): bad label", manifestPath, row, pairID)
		}
		if label < 0 || label >= numClasses {
			return nil, errors.Errorf("manifest %q row %d (%s): label %d out of range [0, %d)",
				manifestPath, row, pairID, label, numClasses)
		}
		pathA := filepath.Join(baseDir, df.Col(ColImageA).Elem(row).String())
		pathB := filepath.Join(baseDir, df.Col(ColImageB).Elem(row).String())
		imgA, err := loadGrayImage(pathA, height, width)
		if err != nil {
			return nil, errors.WithMessagef(err, "manifest %q row %d (%s)", manifestPath, row, pairID)
		}
		imgB, err := loadGrayImage(pathB, height, width)
		if err != nil {
			return nil, errors.WithMessagef(err, "manifest %q row %d (%s)", manifestPath, row, pairID)
		}
		examples = append(examples, &Example{
			PairID: pairID,
			Input:  stackPair(imgA, imgB),
			Label:  int32(label),
		})
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return examples, nil
}

// loadGrayImage decodes the image at path, converts it to grayscale and
// resizes it to height x width. Returned values are row-major in [0, 1].
func loadGrayImage(path string, height, width int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	gray := imaging.Grayscale(imaging.Resize(img, width, height, imaging.Linear))
	pixels := make([]float32, height*width)
	for y := 0; y < height; y++ {
		rowStart := y * gray.Stride
		for x := 0; x < width; x++ {
			// After Grayscale the R, G and B channels are equal.
			pixels[y*width+x] = float32(gray.Pix[rowStart+x*4]) / 255.0
		}
	}
	return pixels, nil
}

// stackPair interleaves the two images into `[height, width, 2]` row-major
// order, the channels-last layout the convolution stem expects.
func stackPair(imgA, imgB []float32) []float32 {
	stacked := make([]float32, 2*len(imgA))
	for i := range imgA {
		stacked[2*i] = imgA[i]
		stacked[2*i+1] = imgB[i]
	}
	return stacked
}
