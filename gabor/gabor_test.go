package gabor

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func gaborLayer(channels, kernelSize, orientations int) func(ctx *context.Context, x *Node) *Node {
	return func(ctx *context.Context, x *Node) *Node {
		return Convolution(ctx, x).
			Channels(channels).
			KernelSize(kernelSize).
			Orientations(orientations).
			ChannelsAxis(images.ChannelsFirst).
			Done()
	}
}

func TestConvolutionShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, gaborLayer(32, 5, 16))

	input := tensors.FromFlatDataAndDimensions(make([]float32, 2*3*16*16), 2, 3, 16, 16)
	input.MustMutableFlatData(func(flat any) {
		data := flat.([]float32)
		for i := range data {
			data[i] = float32(i%7) - 3
		}
	})
	output := exec.MustExec(input)[0]
	require.Equal(t, []int{2, 32, 12, 12}, output.Shape().Dimensions)

	output.MustConstFlatData(func(flat any) {
		for i, value := range flat.([]float32) {
			require.Falsef(t, math.IsNaN(float64(value)) || math.IsInf(float64(value), 0),
				"output value #%d is not finite: %f", i, value)
		}
	})

	// All four Gabor parameters exist with the broadcast-ready shape, the
	// orientation buffer exists and is frozen.
	for _, name := range paramNames {
		v := ctx.GetVariableByScopeAndName("/gabor", name)
		require.NotNilf(t, v, "variable %q not created", name)
		assert.Equal(t, []int{2, 1, 3, 1, 1}, v.Shape().Dimensions)
		assert.Truef(t, v.Trainable, "variable %q should be trainable", name)
	}
	angles := ctx.GetVariableByScopeAndName("/gabor", "orientations")
	require.NotNil(t, angles)
	assert.Equal(t, []int{16}, angles.Shape().Dimensions)
	assert.False(t, angles.Trainable, "orientation buffer must not be trained")
}

// TestKernelValues freezes the parameters to known values and recovers the
// synthesized kernel by convolving one-hot images: with a single orientation
// θ=0 the rotation is the identity and the kernel must match the closed-form
// Gabor expression.
func TestKernelValues(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		wavelength = 3.0
		phase      = 0.5
		scale      = 1.5
		aspect     = 0.5
	)
	ctx := context.New()
	gaborCtx := ctx.In("gabor")
	paramValue := func(value float64) *tensors.Tensor {
		return tensors.FromFlatDataAndDimensions([]float32{float32(value)}, 1, 1, 1, 1, 1)
	}
	gaborCtx.VariableWithValue("wavelengths", paramValue(wavelength))
	gaborCtx.VariableWithValue("phases", paramValue(phase))
	gaborCtx.VariableWithValue("scales", paramValue(scale))
	gaborCtx.VariableWithValue("aspects", paramValue(aspect))

	// Batch of 9 one-hot 3x3 images: output i is the kernel entry at the hot
	// position of image i.
	oneHots := make([]float32, 9*9)
	for i := 0; i < 9; i++ {
		oneHots[i*9+i] = 1
	}
	input := tensors.FromFlatDataAndDimensions(oneHots, 9, 1, 3, 3)

	exec := context.MustNewExec(backend, ctx.Checked(false), gaborLayer(1, 3, 1))
	output := exec.MustExec(input)[0]
	require.Equal(t, []int{9, 1, 1, 1}, output.Shape().Dimensions)

	output.MustConstFlatData(func(flat any) {
		got := flat.([]float32)
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				x := float64(col - 1)
				y := float64(row - 1)
				want := math.Exp(-0.5*(x*x+aspect*aspect*y*y)/(scale*scale)) *
					math.Cos(2*math.Pi*x/wavelength+phase)
				assert.InDeltaf(t, want, got[row*3+col], 1e-4,
					"kernel entry (%d, %d)", row, col)
			}
		}
	})
}

// TestGradients checks that gradients flow through the kernel synthesis back
// to every Gabor parameter.
func TestGradients(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "gabor-gradients")

	input := tensors.FromFlatDataAndDimensions(make([]float32, 1*2*8*8), 1, 2, 8, 8)
	input.MustMutableFlatData(func(flat any) {
		data := flat.([]float32)
		for i := range data {
			data[i] = float32(i%5) * 0.25
		}
	})
	inputNode := Parameter(g, "x", input.Shape())
	output := Convolution(ctx, inputNode).
		Channels(8).
		KernelSize(3).
		Orientations(4).
		ChannelsAxis(images.ChannelsFirst).
		Done()
	loss := ReduceAllSum(Square(output))

	paramNodes := make([]*Node, len(paramNames))
	for i, name := range paramNames {
		v := ctx.GetVariableByScopeAndName("/gabor", name)
		require.NotNil(t, v)
		paramNodes[i] = v.ValueGraph(g)
	}
	gradients := Gradient(loss, paramNodes...)
	g.Compile(append([]*Node{loss}, gradients...)...)

	ctx.InitializeVariables(backend, nil)
	params := make(ParamsMap)
	ctx.ExecPopulateGraphParamsMap(g, params)
	params[inputNode] = input
	results := g.RunWithMap(params)

	for i, name := range paramNames {
		grad := results[i+1]
		var nonZero bool
		grad.MustConstFlatData(func(flat any) {
			for _, value := range flat.([]float32) {
				require.Falsef(t, math.IsNaN(float64(value)) || math.IsInf(float64(value), 0),
					"gradient w.r.t. %q is not finite", name)
				nonZero = nonZero || value != 0
			}
		})
		assert.Truef(t, nonZero, "gradient w.r.t. %q is identically zero", name)
	}
}

func TestConfigurationPanics(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// 30 channels cannot be split over the default 16 orientations.
	require.Panics(t, func() {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return Convolution(ctx, x).Channels(30).KernelSize(3).ChannelsAxis(images.ChannelsFirst).Done()
		})
		exec.MustExec(tensors.FromFlatDataAndDimensions(make([]float32, 5*5), 1, 1, 5, 5))
	})

	require.Panics(t, func() {
		ctx := context.New()
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return Convolution(ctx, x).Channels(16).KernelSize(4).Done()
		})
		exec.MustExec(tensors.FromFlatDataAndDimensions(make([]float32, 5*5), 1, 5, 5, 1))
	})

	// Reusing the same scope with an incompatible configuration must panic
	// instead of silently reusing mismatched parameters.
	require.Panics(t, func() {
		ctx := context.New().Checked(false)
		fn := func(ctx *context.Context, x *Node) *Node {
			first := Convolution(ctx, x).Channels(16).KernelSize(3).ChannelsAxis(images.ChannelsFirst).Done()
			_ = first
			return Convolution(ctx, x).Channels(32).KernelSize(3).ChannelsAxis(images.ChannelsFirst).Done()
		}
		exec := context.MustNewExec(backend, ctx, fn)
		exec.MustExec(tensors.FromFlatDataAndDimensions(make([]float32, 2*8*8), 1, 2, 8, 8))
	})
}
