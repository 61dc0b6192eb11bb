// Package patches provides a train.Dataset that samples fixed-size spatial
// patches from a labeled raster: a co-registered pair of an `[height, width,
// channels]` image and an `[height, width]` integer class-id map.
//
// The set of valid patch centers -- pixels whose label is not in the ignored
// set and whose patch fits entirely inside the raster -- is enumerated once
// at construction and is immutable afterwards. Individual samples are
// extracted on demand, each one a freshly allocated channels-first
// `[channels, size, size]` tensor, so the dataset is safe for concurrent read
// access (e.g. wrapped in a datasets.CustomParallel for parallel batch
// assembly).
//
// Batching and shuffling are not done here: wrap the Dataset in
// datasets.InMemory to get both.
package patches

import (
	"fmt"
	"io"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

var (
	// ErrConfig is wrapped by all construction-time validation failures:
	// bad patch size, mismatched raster dimensions, wrong ranks or dtypes.
	ErrConfig = errors.New("invalid sampler configuration")

	// ErrIndex is wrapped by Dataset.At when the sample index is out of range.
	ErrIndex = errors.New("sample index out of range")
)

// coordinate of one valid patch center in the raster.
type coordinate struct {
	Row, Col int32
}

// Dataset enumerates the valid patch centers of a labeled raster and extracts
// `(patch, label)` pairs from them. It implements train.Dataset, yielding one
// example per call to Yield.
//
// All fields below are immutable after New except the iteration cursor, which
// is guarded by the mutex.
type Dataset struct {
	name string

	// Flat copies of the raster pair, decoupled from the source tensors.
	image  []float32 // row-major [height, width, channels]
	labels []int32   // row-major [height, width]

	height, width, channels int
	patchSize               int // 0 means pixel-wise sampling (no spatial patch)
	margin                  int // patchSize / 2

	coords       []coordinate
	centerLabels []int32

	mu   sync.Mutex
	next int
}

var _ train.Dataset = (*Dataset)(nil)

// New creates a patch sampler over the given raster pair.
//
// The image must be a rank-3 Float32 tensor shaped `[height, width,
// channels]` and labels a rank-2 Int32 tensor shaped `[height, width]`.
// patchSize must be an odd positive integer, or 0 for pixel-wise sampling, in
// which case every non-ignored pixel is a valid center and samples are rank-1
// `[channels]` spectra.
//
// Pixels whose label is listed in ignored are excluded from the index set.
// Their values may still appear inside patches centered elsewhere.
//
// The raster contents are copied: later mutation of the input tensors does
// not affect the dataset.
func New(image, labels *tensors.Tensor, patchSize int, ignored ...int32) (*Dataset, error) {
	if patchSize < 0 || (patchSize > 0 && patchSize%2 == 0) {
		return nil, errors.Wrapf(ErrConfig, "patch size must be 0 or an odd positive integer, got %d", patchSize)
	}
	if image.Rank() != 3 {
		return nil, errors.Wrapf(ErrConfig, "image must be rank-3 [height, width, channels], got shape %s", image.Shape())
	}
	if labels.Rank() != 2 {
		return nil, errors.Wrapf(ErrConfig, "labels must be rank-2 [height, width], got shape %s", labels.Shape())
	}
	if image.DType() != dtypes.Float32 {
		return nil, errors.Wrapf(ErrConfig, "image must be %s, got %s", dtypes.Float32, image.DType())
	}
	if labels.DType() != dtypes.Int32 {
		return nil, errors.Wrapf(ErrConfig, "labels must be %s, got %s", dtypes.Int32, labels.DType())
	}
	imgDims := image.Shape().Dimensions
	lblDims := labels.Shape().Dimensions
	if imgDims[0] != lblDims[0] || imgDims[1] != lblDims[1] {
		return nil, errors.Wrapf(ErrConfig, "image (%dx%d) and labels (%dx%d) spatial dimensions don't match",
			imgDims[0], imgDims[1], lblDims[0], lblDims[1])
	}

	ds := &Dataset{
		name:      fmt.Sprintf("patches(size=%d)", patchSize),
		height:    imgDims[0],
		width:     imgDims[1],
		channels:  imgDims[2],
		patchSize: patchSize,
		margin:    patchSize / 2,
	}
	ds.image = make([]float32, ds.height*ds.width*ds.channels)
	image.MustConstFlatData(func(flat any) {
		copy(ds.image, flat.([]float32))
	})
	ds.labels = make([]int32, ds.height*ds.width)
	labels.MustConstFlatData(func(flat any) {
		copy(ds.labels, flat.([]int32))
	})

	ignoredSet := make(map[int32]bool, len(ignored))
	for _, label := range ignored {
		ignoredSet[label] = true
	}
	ds.buildIndex(ignoredSet)
	return ds, nil
}

// buildIndex enumerates the valid patch centers in row-major order.
func (ds *Dataset) buildIndex(ignored map[int32]bool) {
	for row := ds.margin; row < ds.height-ds.margin; row++ {
		for col := ds.margin; col < ds.width-ds.margin; col++ {
			label := ds.labels[row*ds.width+col]
			if ignored[label] {
				continue
			}
			ds.coords = append(ds.coords, coordinate{Row: int32(row), Col: int32(col)})
			ds.centerLabels = append(ds.centerLabels, label)
		}
	}
}

// Len returns the number of valid patch centers.
func (ds *Dataset) Len() int { return len(ds.coords) }

// Channels returns the number of spectral channels per pixel.
func (ds *Dataset) Channels() int { return ds.channels }

// PatchSize returns the configured spatial patch size (0 for pixel-wise).
func (ds *Dataset) PatchSize() int { return ds.patchSize }

// CenterLabels returns a copy of the label at each valid center, in index
// order. Useful for class-balance inspection.
func (ds *Dataset) CenterLabels() []int32 {
	out := make([]int32, len(ds.centerLabels))
	copy(out, ds.centerLabels)
	return out
}

// At extracts the sample at position i of the index set.
//
// The patch is shaped `[channels, size, size]` (channels-first), or
// `[channels]` when the dataset was built with patchSize 0. Each call
// allocates a fresh tensor -- no buffer is shared with other calls or with
// the source raster -- and reads only immutable state, so At may be called
// concurrently from multiple goroutines.
func (ds *Dataset) At(i int) (patch *tensors.Tensor, label int32, err error) {
	if i < 0 || i >= len(ds.coords) {
		err = errors.Wrapf(ErrIndex, "index %d, dataset has %d samples", i, len(ds.coords))
		return
	}
	c := ds.coords[i]
	label = ds.centerLabels[i]
	row, col := int(c.Row), int(c.Col)

	if ds.patchSize == 0 {
		spectrum := make([]float32, ds.channels)
		copy(spectrum, ds.image[(row*ds.width+col)*ds.channels:])
		patch = tensors.FromFlatDataAndDimensions(spectrum, ds.channels)
		return
	}

	size := ds.patchSize
	flat := make([]float32, ds.channels*size*size)
	for dy := 0; dy < size; dy++ {
		rowStart := (row - ds.margin + dy) * ds.width * ds.channels
		for dx := 0; dx < size; dx++ {
			pixel := rowStart + (col-ds.margin+dx)*ds.channels
			for channel := 0; channel < ds.channels; channel++ {
				flat[channel*size*size+dy*size+dx] = ds.image[pixel+channel]
			}
		}
	}
	patch = tensors.FromFlatDataAndDimensions(flat, ds.channels, size, size)
	return
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// SetName renames the dataset. It returns the dataset to allow chaining.
func (ds *Dataset) SetName(name string) *Dataset {
	ds.name = name
	return ds
}

// Yield implements train.Dataset. It yields one example at a time in index
// order: inputs holds the patch and labels the center's class id, shaped
// `[1]` so that batching produces the `[batch, 1]` labels the sparse
// cross-entropy loss expects. It returns io.EOF at the end of the epoch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	i := ds.nextIndex()
	if i < 0 {
		err = io.EOF
		return
	}
	var patch *tensors.Tensor
	var label int32
	patch, label, err = ds.At(i)
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{patch}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions([]int32{label}, 1)}
	return
}

// nextIndex returns the next cursor position, or -1 at the end of the epoch.
// Concurrency safe.
func (ds *Dataset) nextIndex() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.coords) {
		return -1
	}
	i := ds.next
	ds.next++
	return i
}

// Reset implements train.Dataset, restarting the epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	ds.next = 0
	ds.mu.Unlock()
}
