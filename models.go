// Package gaborseg trains patch-based land-cover classifiers on the Pavia
// University hyperspectral scene, comparing a plain FNN over single-pixel
// spectra, a small CNN over spatial patches, and the same CNN with its first
// convolution replaced by a learnable Gabor filter bank.
package gaborseg

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"

	"github.com/Romain3Ch216/gaborseg/gabor"
	"github.com/Romain3Ch216/gaborseg/paviau"
)

// Hyperparameter names used by the models, set on the context.
const (
	// ParamModel selects the model graph, one of ValidModels.
	ParamModel = "model"

	// ParamNumClasses is the size of the classifier head.
	ParamNumClasses = "num_classes"

	// ParamKernelSize is the spatial size of the first convolution.
	ParamKernelSize = "kernel_size"

	// ParamOrientations is the number of Gabor orientations (model "gabor").
	ParamOrientations = "orientations"

	// ParamNormalization selects the normalization applied between layers:
	// "none", "layer" or "batch".
	ParamNormalization = "normalization"
)

// ValidModels is the list of model types supported.
var ValidModels = []string{"fnn", "cnn", "gabor"}

// Layer-role initializer table: each model scope role is bound to its
// initializer here, resolved when the scope is entered, instead of
// dispatching on layer types.
var roleInitializers = map[string]func(ctx *context.Context) context.VariableInitializer{
	"features": func(ctx *context.Context) context.VariableInitializer {
		return initializers.RandomNormalFn(ctx, 0.05)
	},
	"head": func(ctx *context.Context) context.VariableInitializer {
		return initializers.RandomUniformFn(ctx, -0.05, 0.05)
	},
}

// roleCtx enters the scope of the given model role, with the role's
// initializer attached.
func roleCtx(ctx *context.Context, role string) *context.Context {
	scoped := ctx.In(role)
	if initializerFn, found := roleInitializers[role]; found {
		scoped = scoped.WithInitializer(initializerFn(scoped))
	}
	return scoped
}

// SelectModelFn returns the model graph function configured by the
// hyperparameter ParamModel.
func SelectModelFn(ctx *context.Context) (modelFn train.ModelFn, err error) {
	modelType := context.GetParamOr(ctx, ParamModel, ValidModels[0])
	switch modelType {
	case "fnn":
		modelFn = FNNModelGraph
	case "cnn":
		modelFn = CNNModelGraph
	case "gabor":
		modelFn = GaborModelGraph
	default:
		err = errors.Errorf("parameter %q must take one value from %v, got %q", ParamModel, ValidModels, modelType)
	}
	return
}

// FNNModelGraph implements train.ModelFn over single-pixel spectra, shaped
// `[batch, bands]`, feeding them through an FNN configured by the context
// hyperparameters (see fnn.New).
func FNNModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	spectra := inputs[0]
	batchSize := spectra.Shape().Dimensions[0]
	numClasses := context.GetParamOr(ctx, ParamNumClasses, paviau.NumClasses)
	logits := fnn.New(roleCtx(ctx, "head"), spectra, numClasses).Done()
	logits.AssertDims(batchSize, numClasses)
	return []*graph.Node{logits}
}

// CNNModelGraph implements train.ModelFn over channels-first patches, shaped
// `[batch, bands, size, size]`: a small convolutional trunk followed by a
// dense classifier head.
func CNNModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	return convolutionModelGraph(ctx, inputs, func(ctx *context.Context, x *graph.Node) *graph.Node {
		kernelSize := context.GetParamOr(ctx, ParamKernelSize, 5)
		return layers.Convolution(ctx, x).
			Channels(64).
			KernelSize(kernelSize).
			ChannelsAxis(images.ChannelsFirst).
			PadSame().
			Done()
	})
}

// GaborModelGraph implements train.ModelFn: the same trunk as CNNModelGraph,
// but the first convolution is a learnable Gabor filter bank.
func GaborModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	return convolutionModelGraph(ctx, inputs, func(ctx *context.Context, x *graph.Node) *graph.Node {
		kernelSize := context.GetParamOr(ctx, ParamKernelSize, 5)
		orientations := context.GetParamOr(ctx, ParamOrientations, gabor.DefaultOrientations)
		return gabor.Convolution(ctx, x).
			Channels(64).
			KernelSize(kernelSize).
			Orientations(orientations).
			ChannelsAxis(images.ChannelsFirst).
			PadSame().
			Done()
	})
}

// convolutionModelGraph builds the shared convolutional model: firstConv
// produces the initial 64-channel feature map, the rest of the trunk and the
// classifier head are the same for both convolutional models.
//
// The trunk lives under the "features" scope and the classifier under the
// "head" scope, so fine-tuning can freeze the former and reset the latter
// (see FreezeTrunk and ResetHead).
func convolutionModelGraph(ctx *context.Context, inputs []*graph.Node,
	firstConv func(ctx *context.Context, x *graph.Node) *graph.Node) []*graph.Node {
	batchedPatches := inputs[0]
	g := batchedPatches.Graph()
	dtype := batchedPatches.DType()
	batchSize := batchedPatches.Shape().Dimensions[0]
	numClasses := context.GetParamOr(ctx, ParamNumClasses, paviau.NumClasses)
	logits := batchedPatches

	featuresCtx := roleCtx(ctx, "features")
	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := featuresCtx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	logits = firstConv(nextCtx("conv"), logits)
	logits = activations.Relu(logits)
	logits = normalize(nextCtx("norm"), logits)
	logits = layers.Convolution(nextCtx("conv"), logits).
		Channels(128).KernelSize(3).ChannelsAxis(images.ChannelsFirst).PadSame().Done()
	logits = activations.Relu(logits)
	logits = normalize(nextCtx("norm"), logits)
	logits = graph.MaxPool(logits).ChannelsAxis(images.ChannelsFirst).Window(2).Done()
	logits = layers.DropoutNormalize(nextCtx("dropout"), logits, graph.Scalar(g, dtype, 0.3), true)

	logits = layers.Convolution(nextCtx("conv"), logits).
		Channels(128).KernelSize(3).ChannelsAxis(images.ChannelsFirst).PadSame().Done()
	logits = activations.Relu(logits)
	logits = normalize(nextCtx("norm"), logits)

	// Flatten and classify.
	headCtx := roleCtx(ctx, "head")
	logits = graph.Reshape(logits, batchSize, -1)
	logits = layers.Dense(headCtx.In("hidden"), logits, true, 128)
	logits = activations.Relu(logits)
	logits = layers.DropoutNormalize(headCtx.In("dropout"), logits, graph.Scalar(g, dtype, 0.5), true)
	logits = layers.Dense(headCtx.In("output"), logits, true, numClasses)
	logits.AssertDims(batchSize, numClasses)
	return []*graph.Node{logits}
}

// normalize applies the normalization selected by ParamNormalization.
func normalize(ctx *context.Context, logits *graph.Node) *graph.Node {
	normalizationType := context.GetParamOr(ctx, ParamNormalization, "none")
	switch normalizationType {
	case "layer":
		if logits.Rank() == 4 {
			// Channels-first feature maps: normalize over the spatial axes.
			return layers.LayerNormalization(ctx, logits, 2, 3).Done()
		}
		return layers.LayerNormalization(ctx, logits, -1).Done()
	case "batch":
		featureAxis := -1
		if logits.Rank() == 4 {
			featureAxis = 1
		}
		return batchnorm.New(ctx, logits, featureAxis).Done()
	case "none", "":
		return logits
	default:
		exceptions.Panicf("invalid normalization type %q -- set it with parameter %q", normalizationType, ParamNormalization)
		panic(nil)
	}
}

// FreezeTrunk marks every variable of the convolutional trunk as
// non-trainable, so further training only updates the classifier head. Call
// it after the pretrained variables are loaded and the model graph was built
// at least once.
func FreezeTrunk(ctx *context.Context) {
	ctx.In("model").In("features").EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(false)
	})
}

// ResetHead deletes the classifier-head variables, typically after loading a
// pretrained checkpoint, so a freshly initialized head is attached to the
// pretrained trunk.
func ResetHead(ctx *context.Context) error {
	return ctx.In("model").In("head").DeleteVariablesInScope()
}
