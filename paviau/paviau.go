// Package paviau provides the Pavia University hyperspectral scene: a single
// 610x340 image with 103 spectral bands, acquired by the ROSIS sensor, with a
// ground-truth map assigning each pixel to one of 9 land-cover classes or to
// the "undefined" class 0.
//
// Load downloads the two MATLAB files if needed, parses them and returns the
// co-registered raster pair ready for patch sampling: the image as a
// `[Height, Width, NumBands]` Float32 tensor with each band standardized to
// zero mean and unit variance, and the ground truth as a `[Height, Width]`
// Int32 tensor.
package paviau

import (
	"os"
	"path"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

const (
	Height   = 610
	Width    = 340
	NumBands = 103

	// NumClasses counts only the labeled land-cover classes; pixels labeled
	// UndefinedLabel have no ground truth and are skipped during sampling.
	NumClasses     = 9
	UndefinedLabel = 0
)

// ClassNames of the ground-truth labels, indexed by label. Index 0 is the
// undefined class.
var ClassNames = []string{
	"Undefined",
	"Asphalt",
	"Meadows",
	"Gravel",
	"Trees",
	"Painted metal sheets",
	"Bare soil",
	"Bitumen",
	"Self-blocking bricks",
	"Shadows",
}

var (
	DownloadBaseURL = "https://www.ehu.eus/ccwintco/uploads/"
	DownloadSubdir  = "downloads"

	// The checksums are left empty: the hosting wiki re-generates the files
	// and their hashes are not stable.
	DownloadFiles = []struct {
		File, URLPath, MatVar, Checksum string
	}{
		{"PaviaU.mat", "e/ee/PaviaU.mat", "paviaU", ""},
		{"PaviaU_gt.mat", "5/50/PaviaU_gt.mat", "paviaU_gt", ""},
	}
)

// Download fetches the scene and ground-truth files into baseDir (under
// DownloadSubdir) if they are not there yet, and returns their paths.
func Download(baseDir string) (imageFile, labelsFile string, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	downloadPath := path.Join(baseDir, DownloadSubdir)
	if err = os.MkdirAll(downloadPath, 0777); err != nil && !os.IsExist(err) {
		err = errors.Wrapf(err, "failed to create path for downloading %q", downloadPath)
		return
	}
	paths := make([]string, len(DownloadFiles))
	for i, file := range DownloadFiles {
		paths[i] = path.Join(downloadPath, file.File)
		url := DownloadBaseURL + file.URLPath
		if err = downloadIfMissing(url, paths[i], file.Checksum); err != nil {
			err = errors.WithMessagef(err, "failed to download %q from %q", file.File, url)
			return
		}
	}
	imageFile, labelsFile = paths[0], paths[1]
	return
}

// Load returns the scene as a co-registered raster pair, downloading the
// files into baseDir first if needed.
//
// The image is `[Height, Width, NumBands]` Float32 with every band
// standardized to zero mean and unit variance over the full scene; the ground
// truth is `[Height, Width]` Int32 with values in [0, NumClasses].
func Load(baseDir string) (image, labels *tensors.Tensor, err error) {
	imageFile, labelsFile, err := Download(baseDir)
	if err != nil {
		return
	}

	flatImage, err := parseMatVar(imageFile, DownloadFiles[0].MatVar, Height*Width*NumBands)
	if err != nil {
		return
	}
	bands := columnMajorToRowMajor(flatImage, NumBands)
	normalizeBands(bands, NumBands)

	flatLabels, err := parseMatVar(labelsFile, DownloadFiles[1].MatVar, Height*Width)
	if err != nil {
		return
	}
	labelIds := make([]int32, len(flatLabels))
	for i, value := range flatLabels {
		col := i / Height
		row := i % Height
		labelIds[row*Width+col] = int32(value)
	}

	image = tensors.FromFlatDataAndDimensions(bands, Height, Width, NumBands)
	labels = tensors.FromFlatDataAndDimensions(labelIds, Height, Width)
	return
}

// parseMatVar reads one variable from a MATLAB (v5) file as a flat []float64
// in MATLAB's column-major order, checking it has the expected number of
// elements.
func parseMatVar(filePath, varName string, wantSize int) ([]float64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()

	matFile, err := matlab.NewFileFromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse MATLAB file %q", filePath)
	}
	matVar, found := matFile.GetVar(varName)
	if !found {
		return nil, errors.Errorf("variable %q not found in MATLAB file %q", varName, filePath)
	}
	values := matVar.Value()
	if len(values) != wantSize {
		return nil, errors.Errorf("variable %q in %q has %d elements, want %d -- corrupted download? "+
			"remove the file and try again", varName, filePath, len(values), wantSize)
	}
	flat := make([]float64, len(values))
	for i, value := range values {
		var err error
		flat[i], err = toFloat64(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %q in %q, element %d", varName, filePath, i)
		}
	}
	return flat, nil
}

// toFloat64 converts the element types MATLAB numeric arrays come in.
func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case int32:
		return float64(v), nil
	default:
		return 0, errors.Errorf("unsupported MATLAB element type %T", value)
	}
}

// columnMajorToRowMajor reorders a MATLAB column-major [Height, Width, bands]
// volume into a row-major Float32 buffer with the band as the innermost axis.
func columnMajorToRowMajor(flat []float64, bands int) []float32 {
	out := make([]float32, len(flat))
	plane := Height * Width
	for i, value := range flat {
		band := i / plane
		rem := i % plane
		col := rem / Height
		row := rem % Height
		out[(row*Width+col)*bands+band] = float32(value)
	}
	return out
}

// normalizeBands standardizes each spectral band of a row-major
// [pixels, bands] buffer to zero mean and unit variance.
func normalizeBands(flat []float32, bands int) {
	numPixels := len(flat) / bands
	samples := make([]float64, numPixels)
	for band := 0; band < bands; band++ {
		for pixel := 0; pixel < numPixels; pixel++ {
			samples[pixel] = float64(flat[pixel*bands+band])
		}
		mean, stddev := stat.MeanStdDev(samples, nil)
		if stddev == 0 {
			stddev = 1
		}
		for pixel := 0; pixel < numPixels; pixel++ {
			flat[pixel*bands+band] = float32((samples[pixel] - mean) / stddev)
		}
	}
}
