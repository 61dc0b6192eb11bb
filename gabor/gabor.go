// Package gabor implements a 2D convolution layer whose kernels are not free
// weights but Gabor filters synthesized from a small set of learnable
// parameters: wavelength, phase, scale and aspect ratio, shared across a
// fixed bank of orientations.
//
// A filter bank with `outputChannels` filters over `inputChannels` channels
// is parameterized by only `4 * (outputChannels/orientations) * inputChannels`
// scalars instead of `outputChannels * inputChannels * k * k` free weights.
// The kernels are rebuilt from the parameters as graph operations on every
// forward pass, so gradients flow through the synthesis back to the
// parameters; the orientation angles themselves are a fixed, non-trainable
// buffer.
//
// Use it like layers.Convolution:
//
//	output := gabor.Convolution(ctx, x).Channels(32).KernelSize(9).Done()
package gabor

import (
	"math"
	"math/rand"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/pkg/core/dtypes"

	"github.com/gomlx/exceptions"
)

// DefaultOrientations is the number of evenly spaced filter orientations used
// when ConvBuilder.Orientations is not called.
const DefaultOrientations = 16

// DefaultSeed drives the parameter initialization when ConvBuilder.Seed is
// not called.
const DefaultSeed = 42

// ConvBuilder configures a Gabor convolution. Create it with Convolution, set
// the desired parameters and call Done.
type ConvBuilder struct {
	ctx                *context.Context
	graph              *Graph
	x                  *Node
	channelsAxisConfig images.ChannelsAxisConfig
	outputChannels     int
	kernelSize         int
	orientations       int
	strides            []int
	dilations          []int
	padSame            bool
	seed               int64
	regularizer        regularizers.Regularizer
}

// Convolution prepares a 2D Gabor convolution on x.
//
// It returns a ConvBuilder for configuration; once set up, call
// ConvBuilder.Done and it returns the convolved x. Channels and KernelSize
// must be set.
//
// The shape of x should be `[batch, height, width, input_channels]` by
// default, or `[batch, input_channels, height, width]` if configured with
// `ConvBuilder.ChannelsAxis(images.ChannelsFirst)`.
//
// There is no bias term: Gabor filters are zero-centered feature detectors
// and the layer keeps them that way.
func Convolution(ctx *context.Context, x *Node) *ConvBuilder {
	conv := &ConvBuilder{
		ctx:          ctx,
		graph:        x.Graph(),
		x:            x,
		orientations: DefaultOrientations,
		seed:         DefaultSeed,
		regularizer:  regularizers.FromContext(ctx),
	}
	if x.Rank() != 4 {
		exceptions.Panicf("gabor.Convolution requires a rank-4 input, shaped by default as "+
			"[batch, height, width, channels], but x rank is %d", x.Rank())
	}
	dtype := x.DType()
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		exceptions.Panicf("gabor.Convolution requires a Float32 or Float64 input, got %s", dtype)
	}
	return conv.ChannelsAxis(images.ChannelsLast).NoPadding().Strides(1)
}

// Channels sets the number of output channels (filters) of the bank.
// There is no default, and this number must be set before Done is called.
// It must be a multiple of the number of orientations.
func (conv *ConvBuilder) Channels(channels int) *ConvBuilder {
	if channels <= 0 {
		exceptions.Panicf("number of output channels must be > 0, it was set to %d", channels)
	}
	conv.outputChannels = channels
	return conv
}

// KernelSize sets the side of the square kernel window. It must be odd, so
// each filter has a well-defined center. There is no default, and this value
// must be set before Done is called.
func (conv *ConvBuilder) KernelSize(size int) *ConvBuilder {
	if size <= 0 || size%2 == 0 {
		exceptions.Panicf("kernel size must be an odd positive integer, it was set to %d", size)
	}
	conv.kernelSize = size
	return conv
}

// Orientations sets the number of filter orientations, evenly spaced over
// [0, 2π). The default is DefaultOrientations. The number of output channels
// must be a multiple of it.
func (conv *ConvBuilder) Orientations(n int) *ConvBuilder {
	if n <= 0 {
		exceptions.Panicf("number of orientations must be > 0, it was set to %d", n)
	}
	conv.orientations = n
	return conv
}

// Seed sets the seed for parameter initialization. The default is
// DefaultSeed, so two layers built with the same configuration start from the
// same filter bank.
func (conv *ConvBuilder) Seed(seed int64) *ConvBuilder {
	conv.seed = seed
	return conv
}

// ChannelsAxis configures the axis for the channels dimension. The default is
// `images.ChannelsLast`.
func (conv *ConvBuilder) ChannelsAxis(channelsAxisConfig images.ChannelsAxisConfig) *ConvBuilder {
	conv.channelsAxisConfig = channelsAxisConfig
	return conv
}

// PadSame adds paddings on the edges of x such that the output of the
// convolution keeps the spatial shape of the input (assuming strides=1).
// The default is NoPadding.
func (conv *ConvBuilder) PadSame() *ConvBuilder {
	conv.padSame = true
	return conv
}

// NoPadding removes any paddings, so the output shape is reduced on the
// edges. This is the default.
func (conv *ConvBuilder) NoPadding() *ConvBuilder {
	conv.padSame = false
	return conv
}

// Strides sets the stride of the convolution, the same for both spatial
// axes. The default is 1. One cannot use strides and dilations at the same
// time.
func (conv *ConvBuilder) Strides(strides int) *ConvBuilder {
	conv.strides = xslices.SliceWithValue(2, strides)
	return conv
}

// StridePerAxis sets the strides of the two spatial axes individually.
func (conv *ConvBuilder) StridePerAxis(strides ...int) *ConvBuilder {
	if len(strides) != 2 {
		exceptions.Panicf("received %d strides in StridePerAxis, but the convolution has 2 spatial dimensions",
			len(strides))
	}
	conv.strides = strides
	return conv
}

// Dilations sets the kernel dilation, the same for both spatial axes. The
// default is 1. One cannot use strides and dilations at the same time.
func (conv *ConvBuilder) Dilations(dilation int) *ConvBuilder {
	conv.dilations = xslices.SliceWithValue(2, dilation)
	return conv
}

// Regularizer to be applied to the learned Gabor parameters. The default is
// regularizers.FromContext, which is configured by regularizers.ParamL1 and
// regularizers.ParamL2.
func (conv *ConvBuilder) Regularizer(regularizer regularizers.Regularizer) *ConvBuilder {
	conv.regularizer = regularizer
	return conv
}

// Initialization ranges of the Gabor parameters, as fractions of the kernel
// size k: wavelength in [2, k], phase in [0, π/2), scale in [k/4, k/2] and
// aspect ratio in [0.25, 0.75].
func (conv *ConvBuilder) initRanges() (ranges [4][2]float64) {
	k := float64(conv.kernelSize)
	ranges = [4][2]float64{
		{2, k},            // wavelengths
		{0, math.Pi / 2},  // phases
		{k / 4, k / 2},    // scales
		{0.25, 0.75},      // aspect ratios
	}
	return
}

var paramNames = [4]string{"wavelengths", "phases", "scales", "aspects"}

// Done creates the Gabor parameter variables (if not yet created), builds the
// filter bank from them and returns the convolved x.
func (conv *ConvBuilder) Done() *Node {
	ctxInScope := conv.ctx.In("gabor")

	if conv.kernelSize == 0 || conv.outputChannels <= 0 {
		exceptions.Panicf("gabor.Convolution requires Channels and KernelSize to be set")
	}
	if conv.outputChannels%conv.orientations != 0 {
		exceptions.Panicf("number of output channels (%d) must be a multiple of the number of orientations (%d)",
			conv.outputChannels, conv.orientations)
	}
	var stridesSet, dilationsSet bool
	for _, stride := range conv.strides {
		stridesSet = stridesSet || stride != 1
	}
	for _, dilation := range conv.dilations {
		dilationsSet = dilationsSet || dilation != 1
	}
	if stridesSet && dilationsSet {
		exceptions.Panicf("both strides (%v) and dilations (%v) are set, but only one can be used at a time",
			conv.strides, conv.dilations)
	}

	g := conv.graph
	xShape := conv.x.Shape()
	dtype := xShape.DType
	channelsAxis := images.GetChannelsAxis(xShape, conv.channelsAxisConfig)
	inputChannels := xShape.Dimensions[channelsAxis]
	groups := conv.outputChannels / conv.orientations

	// One variable per Gabor parameter, shaped [groups, 1, inputChannels, 1, 1]
	// so they broadcast directly against the [orientations, ..., k, k]
	// rotated coordinate grids.
	paramShape := shapes.Make(dtype, groups, 1, inputChannels, 1, 1)
	rng := rand.New(rand.NewSource(conv.seed))
	ranges := conv.initRanges()
	// On reuse with a different configuration, VariableWithValue panics on the
	// shape mismatch.
	paramVars := make([]*context.Variable, 4)
	for i, name := range paramNames {
		v := ctxInScope.VariableWithValue(name, uniformTensor(rng, dtype, ranges[i][0], ranges[i][1], paramShape.Dimensions...))
		if conv.regularizer != nil {
			conv.regularizer(ctxInScope, g, v)
		}
		paramVars[i] = v
	}

	// Fixed orientation buffer: angles evenly spaced over [0, 2π). It is
	// persisted with the model but never trained.
	angles := make([]float64, conv.orientations)
	for i := range angles {
		angles[i] = 2 * math.Pi * float64(i) / float64(conv.orientations)
	}
	anglesVar := ctxInScope.VariableWithValue("orientations", castTensor(angles, dtype)).
		SetTrainable(false)

	kernel := conv.buildKernelBank(g, paramVars, anglesVar)
	convOpts := Convolve(conv.x, kernel).
		StridePerAxis(conv.strides...).
		ChannelsAxis(conv.channelsAxisConfig)
	if len(conv.dilations) > 0 {
		convOpts.DilationPerAxis(conv.dilations...)
	}
	if conv.padSame {
		convOpts.PadSame()
	} else {
		convOpts.NoPadding()
	}
	return convOpts.Done()
}

// buildKernelBank synthesizes the Gabor filter bank from the parameter
// variables as graph operations, so it is differentiable with respect to
// them. The bank is rebuilt on every graph build, never cached.
//
// For each orientation θ the coordinate grid is rotated
// (x' = x·cosθ + y·sinθ, y' = y·cosθ − x·sinθ) and the filter is the
// gaussian envelope times the cosine carrier:
//
//	g(x, y) = exp(−(x'² + γ²·y'²) / 2σ²) · cos(2π·x'/λ + ψ)
//
// Returned in the kernel layout Convolve expects for the configured channels
// axis, with the orientation varying slower than the parameter group: filter
// θ*groups+i is group i at orientation θ.
func (conv *ConvBuilder) buildKernelBank(g *Graph, paramVars []*context.Variable, anglesVar *context.Variable) *Node {
	k := conv.kernelSize
	nThetas := conv.orientations
	dtype := conv.x.DType()

	// Expand each [groups, 1, in, 1, 1] parameter to [1, groups, in, 1, 1].
	expand := func(i int) *Node {
		return Transpose(paramVars[i].ValueGraph(g), 0, 1)
	}
	lambda, psi, sigma, gamma := expand(0), expand(1), expand(2), expand(3)

	// Rotated coordinate grids, one per orientation: [nThetas, k, k].
	axis := AddScalar(Iota(g, shapes.Make(dtype, k), 0), -float64(k/2))
	thetas := anglesVar.ValueGraph(g)
	cosT := Reshape(Cos(thetas), nThetas, 1, 1)
	sinT := Reshape(Sin(thetas), nThetas, 1, 1)
	xCoord := Reshape(axis, 1, 1, k)
	yCoord := Reshape(axis, 1, k, 1)
	xRot := Add(Mul(xCoord, cosT), Mul(yCoord, sinT))
	yRot := Sub(Mul(yCoord, cosT), Mul(xCoord, sinT))

	// Broadcast grids [nThetas, 1, 1, k, k] against parameters
	// [1, groups, in, 1, 1] into a [nThetas, groups, in, k, k] bank.
	xRot = Reshape(xRot, nThetas, 1, 1, k, k)
	yRot = Reshape(yRot, nThetas, 1, 1, k, k)
	radius2 := Add(Square(xRot), Mul(Square(gamma), Square(yRot)))
	envelope := Exp(Div(MulScalar(radius2, -0.5), Square(sigma)))
	carrier := Cos(Add(MulScalar(Div(xRot, lambda), 2*math.Pi), psi))
	bank := Mul(envelope, carrier)

	if conv.channelsAxisConfig == images.ChannelsFirst {
		// [outputChannels, in, k, k]
		return Reshape(bank, conv.outputChannels, conv.x.Shape().Dimensions[1], k, k)
	}
	// ChannelsLast kernel layout is [k, k, in, outputChannels].
	inputChannels := bank.Shape().Dimensions[2]
	bank = TransposeAllDims(bank, 3, 4, 2, 0, 1)
	return Reshape(bank, k, k, inputChannels, conv.outputChannels)
}

// uniformTensor samples a tensor of the given shape uniformly from
// [low, high).
func uniformTensor(rng *rand.Rand, dtype dtypes.DType, low, high float64, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flat := make([]float64, size)
	for i := range flat {
		flat[i] = low + rng.Float64()*(high-low)
	}
	if dtype == dtypes.Float64 {
		return tensors.FromFlatDataAndDimensions(flat, dims...)
	}
	flat32 := make([]float32, size)
	for i, value := range flat {
		flat32[i] = float32(value)
	}
	return tensors.FromFlatDataAndDimensions(flat32, dims...)
}

// castTensor converts a []float64 to a rank-1 tensor of the given dtype.
func castTensor(values []float64, dtype dtypes.DType) *tensors.Tensor {
	if dtype == dtypes.Float64 {
		return tensors.FromValue(values)
	}
	values32 := make([]float32, len(values))
	for i, value := range values {
		values32[i] = float32(value)
	}
	return tensors.FromValue(values32)
}
