package patches

import (
	"io"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRaster builds a 6x6 single-channel raster where pixel (row, col) holds
// the value row*6+col, labeled with (value+1) modulo 3.
func testRaster(t *testing.T) (image, labels *tensors.Tensor) {
	imageData := make([]float32, 6*6)
	labelData := make([]int32, 6*6)
	for i := range imageData {
		imageData[i] = float32(i)
		labelData[i] = int32((i + 1) % 3)
	}
	image = tensors.FromFlatDataAndDimensions(imageData, 6, 6, 1)
	labels = tensors.FromFlatDataAndDimensions(labelData, 6, 6)
	return
}

func TestNewIndexSet(t *testing.T) {
	image, labels := testRaster(t)
	ds, err := New(image, labels, 3)
	require.NoError(t, err)

	// With a 3x3 patch only the 4x4 interior fits.
	assert.Equal(t, 16, ds.Len())
	for _, c := range ds.coords {
		assert.GreaterOrEqual(t, c.Row, int32(1))
		assert.LessOrEqual(t, c.Row, int32(4))
		assert.GreaterOrEqual(t, c.Col, int32(1))
		assert.LessOrEqual(t, c.Col, int32(4))
	}
}

func TestNewIgnoredLabels(t *testing.T) {
	image, labels := testRaster(t)
	ds, err := New(image, labels, 3, 0)
	require.NoError(t, err)

	// Labels cycle 0,1,2; ignoring class 0 drops its interior centers.
	full, err := New(image, labels, 3)
	require.NoError(t, err)
	numZeros := 0
	for _, label := range full.CenterLabels() {
		if label == 0 {
			numZeros++
		}
	}
	assert.Greater(t, numZeros, 0)
	assert.Equal(t, full.Len()-numZeros, ds.Len())
	for _, label := range ds.CenterLabels() {
		assert.NotEqual(t, int32(0), label)
	}
}

func TestNewValidation(t *testing.T) {
	image, labels := testRaster(t)

	_, err := New(image, labels, 4)
	require.ErrorIs(t, err, ErrConfig, "even patch size must be rejected")
	_, err = New(image, labels, -1)
	require.ErrorIs(t, err, ErrConfig, "negative patch size must be rejected")

	badImage := tensors.FromFlatDataAndDimensions(make([]float32, 6*6), 6, 6)
	_, err = New(badImage, labels, 3)
	require.ErrorIs(t, err, ErrConfig, "rank-2 image must be rejected")

	badLabels := tensors.FromFlatDataAndDimensions(make([]int32, 5*6), 5, 6)
	_, err = New(image, badLabels, 3)
	require.ErrorIs(t, err, ErrConfig, "mismatched spatial dimensions must be rejected")
}

func TestAt(t *testing.T) {
	image, labels := testRaster(t)
	ds, err := New(image, labels, 3)
	require.NoError(t, err)

	// Center (3, 3): pixel value 21, label (21+1)%3 == 1, neighborhood rows
	// 2..4, cols 2..4.
	var found bool
	for i, c := range ds.coords {
		if c.Row != 3 || c.Col != 3 {
			continue
		}
		found = true
		patch, label, err := ds.At(i)
		require.NoError(t, err)
		assert.Equal(t, int32(1), label)
		require.Equal(t, []int{1, 3, 3}, patch.Shape().Dimensions)
		want := [][][]float32{{{14, 15, 16}, {20, 21, 22}, {26, 27, 28}}}
		assert.Equal(t, want, patch.Value())

		// Repeated extraction returns equal values in fresh tensors.
		again, againLabel, err := ds.At(i)
		require.NoError(t, err)
		assert.Equal(t, label, againLabel)
		assert.Equal(t, patch.Value(), again.Value())
		assert.NotSame(t, patch, again)
	}
	require.True(t, found, "center (3,3) should be in the index set")

	_, _, err = ds.At(-1)
	require.ErrorIs(t, err, ErrIndex)
	_, _, err = ds.At(ds.Len())
	require.ErrorIs(t, err, ErrIndex)
}

func TestAtPixelWise(t *testing.T) {
	image, labels := testRaster(t)
	ds, err := New(image, labels, 0)
	require.NoError(t, err)
	assert.Equal(t, 36, ds.Len(), "pixel-wise sampling keeps every pixel")

	patch, _, err := ds.At(0)
	require.NoError(t, err)
	require.Equal(t, []int{1}, patch.Shape().Dimensions)
	assert.Equal(t, []float32{0}, patch.Value())
}

func TestYieldEpoch(t *testing.T) {
	image, labels := testRaster(t)
	ds, err := New(image, labels, 3)
	require.NoError(t, err)

	for epoch := 0; epoch < 2; epoch++ {
		count := 0
		for {
			spec, inputs, yieldLabels, err := ds.Yield()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			assert.Equal(t, ds, spec)
			require.Len(t, inputs, 1)
			require.Len(t, yieldLabels, 1)
			assert.Equal(t, []int{1, 3, 3}, inputs[0].Shape().Dimensions)
			assert.Equal(t, []int{1}, yieldLabels[0].Shape().Dimensions)
			count++
		}
		assert.Equal(t, ds.Len(), count, "epoch %d should yield every sample once", epoch)
		ds.Reset()
	}
}

func TestSplit(t *testing.T) {
	image, labels := testRaster(t)
	ds, err := New(image, labels, 3)
	require.NoError(t, err)

	trainDS, validDS, err := ds.Split(0.25, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	assert.Equal(t, ds.Len(), trainDS.Len()+validDS.Len(), "split must partition the index set")

	// Disjoint and exhaustive over coordinates.
	seen := make(map[coordinate]int)
	for _, c := range trainDS.coords {
		seen[c]++
	}
	for _, c := range validDS.coords {
		seen[c]++
	}
	require.Len(t, seen, ds.Len())
	for c, n := range seen {
		assert.Equal(t, 1, n, "coordinate %v assigned to both subsets", c)
	}

	// Stratification: every class present in the parent stays represented in
	// the validation subset.
	parentClasses := make(map[int32]bool)
	for _, label := range ds.CenterLabels() {
		parentClasses[label] = true
	}
	validClasses := make(map[int32]bool)
	for _, label := range validDS.CenterLabels() {
		validClasses[label] = true
	}
	assert.Equal(t, parentClasses, validClasses)

	// Each subset sample is bit-identical to the parent's sample at the same
	// coordinate.
	parentByCoord := make(map[coordinate]int)
	for i, c := range ds.coords {
		parentByCoord[c] = i
	}
	for _, sub := range []*Dataset{trainDS, validDS} {
		for i, c := range sub.coords {
			patch, label, err := sub.At(i)
			require.NoError(t, err)
			parentPatch, parentLabel, err := ds.At(parentByCoord[c])
			require.NoError(t, err)
			assert.Equal(t, parentLabel, label)
			assert.Equal(t, parentPatch.Value(), patch.Value())
		}
	}

	_, _, err = ds.Split(1.5, rand.New(rand.NewSource(42)))
	require.ErrorIs(t, err, ErrConfig)
}
