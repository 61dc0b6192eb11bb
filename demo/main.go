// Trainer for patch-based land-cover classification of the Pavia University
// hyperspectral scene. It supports an FNN over single-pixel spectra, a CNN
// over spatial patches, and a CNN whose first convolution is a learnable
// Gabor filter bank.
package main

import (
	"flag"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/Romain3Ch216/gaborseg"
	"github.com/Romain3Ch216/gaborseg/gabor"
	"github.com/Romain3Ch216/gaborseg/paviau"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/paviau", "Directory to cache the downloaded dataset files.")

	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
)

// createDefaultContext sets the context with default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		gaborseg.ParamModel: gaborseg.ValidModels[0],
		"num_checkpoints":   3,
		"train_steps":       2000,

		// batch_size for training; eval_batch_size can be larger, it's more
		// efficient.
		"batch_size":      128,
		"eval_batch_size": 512,

		// How many times during training to evaluate the validation loss for
		// best-model checkpointing.
		"best_loss_evals": 10,

		// Patch sampling.
		gaborseg.ParamPatchSize:          5,
		gaborseg.ParamValidationFraction: 0.2,
		gaborseg.ParamSplitSeed:          42,

		// Model.
		gaborseg.ParamNumClasses:    paviau.NumClasses,
		gaborseg.ParamKernelSize:    5,
		gaborseg.ParamOrientations:  gabor.DefaultOrientations,
		gaborseg.ParamNormalization: "none",

		// Fine-tuning.
		gaborseg.ParamPretrained:  "",
		gaborseg.ParamFreezeTrunk: false,
		gaborseg.ParamResetHead:   true,

		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: 1e-4,
		activations.ParamActivation:  "relu",
		layers.ParamDropoutRate:      0.0,
		regularizers.ParamL2:         1e-5,
		regularizers.ParamL1:         1e-5,

		// FNN network parameters (model "fnn"):
		fnn.ParamNumHiddenLayers: 4,
		fnn.ParamNumHiddenNodes:  128,
		fnn.ParamResidual:        true,
		fnn.ParamNormalization:   "",   // Falls back to gaborseg.ParamNormalization.
		fnn.ParamDropoutRate:     -1.0, // Falls back to layers.ParamDropoutRate.
	})
	return ctx
}

func main() {
	// Flags with context settings.
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	// Training:
	gaborseg.TrainModel(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
}
