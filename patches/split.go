package patches

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// Split partitions the dataset's index set into a training and a validation
// dataset, stratified by center label: within each class, a valFraction share
// of the indices (rounded to nearest, at least 1 when the class has 2 or more
// samples) is assigned to the validation set. The two subsets are disjoint
// and together cover the whole parent index set.
//
// The subsets share the parent's raster buffers, so each retained coordinate
// resolves to exactly the same (patch, label) pair it had in the parent. rng
// drives the per-class shuffling; pass a seeded source for a reproducible
// split.
func (ds *Dataset) Split(valFraction float64, rng *rand.Rand) (trainDS, validDS *Dataset, err error) {
	if valFraction < 0 || valFraction > 1 {
		err = errors.Wrapf(ErrConfig, "validation fraction must be in [0, 1], got %g", valFraction)
		return
	}

	// Group index positions by class, iterating classes in sorted order so
	// the split depends only on the rng state.
	perClass := make(map[int32][]int)
	for i, label := range ds.centerLabels {
		perClass[label] = append(perClass[label], i)
	}
	classes := make([]int32, 0, len(perClass))
	for label := range perClass {
		classes = append(classes, label)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	var trainIdx, validIdx []int
	for _, label := range classes {
		group := perClass[label]
		rng.Shuffle(len(group), func(i, j int) {
			group[i], group[j] = group[j], group[i]
		})
		numValid := int(valFraction*float64(len(group)) + 0.5)
		if numValid == 0 && valFraction > 0 && len(group) > 1 {
			numValid = 1
		}
		validIdx = append(validIdx, group[:numValid]...)
		trainIdx = append(trainIdx, group[numValid:]...)
	}
	sort.Ints(trainIdx)
	sort.Ints(validIdx)

	trainDS = ds.subset(trainIdx).SetName(fmt.Sprintf("%s/train", ds.name))
	validDS = ds.subset(validIdx).SetName(fmt.Sprintf("%s/valid", ds.name))
	return
}

// subset builds a view over the given index positions. The raster buffers are
// shared with the parent; only the coordinate index is rebuilt.
func (ds *Dataset) subset(positions []int) *Dataset {
	sub := &Dataset{
		name:         ds.name,
		image:        ds.image,
		labels:       ds.labels,
		height:       ds.height,
		width:        ds.width,
		channels:     ds.channels,
		patchSize:    ds.patchSize,
		margin:       ds.margin,
		coords:       make([]coordinate, 0, len(positions)),
		centerLabels: make([]int32, 0, len(positions)),
	}
	for _, i := range positions {
		sub.coords = append(sub.coords, ds.coords[i])
		sub.centerLabels = append(sub.centerLabels, ds.centerLabels[i])
	}
	return sub
}
