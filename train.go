package gaborseg

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"

	"github.com/Romain3Ch216/gaborseg/patches"
	"github.com/Romain3Ch216/gaborseg/paviau"
)

// DType used in the models.
var DType = dtypes.Float32

// Hyperparameter names used by the training driver.
const (
	// ParamPatchSize is the spatial size of the sampled patches. It is forced
	// to 0 (single-pixel spectra) for the "fnn" model.
	ParamPatchSize = "patch_size"

	// ParamValidationFraction is the share of each class held out for
	// validation.
	ParamValidationFraction = "validation_fraction"

	// ParamSplitSeed seeds the stratified train/validation split.
	ParamSplitSeed = "split_seed"

	// ParamPretrained is a checkpoint directory to load model variables from
	// before training, for fine-tuning.
	ParamPretrained = "pretrained"

	// ParamFreezeTrunk freezes the convolutional trunk after loading a
	// pretrained model, so only the classifier head is trained.
	ParamFreezeTrunk = "freeze_trunk"

	// ParamResetHead discards the classifier head loaded from the pretrained
	// checkpoint, attaching a freshly initialized one to the trunk.
	ParamResetHead = "reset_head"

	// ParamBestValidationLoss records the best validation loss seen so far.
	// It is managed by the trainer, not set by the user.
	ParamBestValidationLoss = "best_validation_loss"
)

// ParamsExcludedFromSaving is the list of parameters (see
// CreateDefaultContext in the demo) that shouldn't be saved along on the
// models checkpoints, and may be overwritten in further training sessions.
var ParamsExcludedFromSaving = []string{
	"data_dir", "train_steps", "num_checkpoints", ParamPretrained,
}

// Backend is created once and reused if TrainModel is called multiple times.
var Backend backends.Backend

// TrainModel trains the model selected by the hyperparameter ParamModel on
// the Pavia University scene, with hyperparameters given in ctx.
//
// dataDir caches the downloaded scene; checkpointPath, if not empty, is where
// checkpoints are saved (and training state restored from). paramsSet lists
// the hyperparameters set on the command line, which are excluded from
// checkpoint saving so they can be changed between sessions.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	// Select model graph building function.
	modelFn := must.M1(SelectModelFn(ctx))
	modelType := context.GetParamOr(ctx, ParamModel, ValidModels[0])
	if verbosity >= 1 {
		fmt.Printf("Model: %s\n", modelType)
	}

	// Create datasets used for training and evaluation.
	batchSize := context.GetParamOr(ctx, "batch_size", int(0))
	if batchSize <= 0 {
		exceptions.Panicf("Batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", int(0))
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, validEvalDS := CreateDatasets(ctx, Backend, dataDir, batchSize, evalBatchSize)

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	// Fine-tuning: load pretrained variables, optionally replace the head and
	// freeze the trunk. A checkpoint of a previous session of this same model
	// takes precedence over the pretrained variables.
	globalStep := int(optimizers.GetGlobalStep(ctx))
	pretrained := context.GetParamOr(ctx, ParamPretrained, "")
	if pretrained != "" && globalStep == 0 {
		_ = must.M1(checkpoints.Build(ctx).
			Dir(fsutil.MustReplaceTildeInDir(pretrained)).
			Immediate().
			Done())
		if context.GetParamOr(ctx, ParamResetHead, true) {
			must.M(ResetHead(ctx))
		}
		if verbosity >= 1 {
			fmt.Printf("Loaded pretrained model from %q\n", pretrained)
		}
	}
	if context.GetParamOr(ctx, ParamFreezeTrunk, false) {
		if pretrained == "" && globalStep == 0 {
			exceptions.Panicf("%q is set but there is no %q checkpoint to load a trunk from", ParamFreezeTrunk, ParamPretrained)
		}
		FreezeTrunk(ctx)
		if verbosity >= 1 {
			fmt.Println("Froze the feature-extractor trunk, training the classifier head only.")
		}
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Metrics we are interested in.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// Create a train.Trainer: this object will orchestrate running the model,
	// feeding results to the optimizer, evaluating the metrics, etc.
	ctx = ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(Backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}

	// Checkpoint saving: every 3 minutes of training, and whenever the
	// validation loss improves.
	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
		attachBestLossCheckpointing(ctx, loop, checkpoint, validEvalDS, verbosity)
	}

	// Loop for the given number of steps.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}

		// Update batch normalization averages, if they are used.
		if must.M1(batchnorm.UpdateAverages(trainer, trainEvalDS)) {
			if verbosity >= 1 {
				fmt.Println("\tUpdated batch normalization mean/variances averages.")
			}
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}

	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	// Finally, print an evaluation on the train and validation datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, validEvalDS, trainEvalDS))
	}
}

// attachBestLossCheckpointing evaluates the validation loss a few times
// during the loop and saves a checkpoint whenever it improves on the best
// value seen so far. The best value is kept as a context parameter, so it
// survives training restarts through the checkpoint itself.
func attachBestLossCheckpointing(ctx *context.Context, loop *train.Loop, checkpoint *checkpoints.Handler,
	validEvalDS train.Dataset, verbosity int) {
	numEvals := context.GetParamOr(ctx, "best_loss_evals", 10)
	if numEvals <= 0 {
		return
	}
	bestLoss := context.GetParamOr(ctx, ParamBestValidationLoss, math.Inf(1))
	train.NTimesDuringLoop(loop, numEvals, "saving best model", 100,
		func(loop *train.Loop, _ []*tensors.Tensor) error {
			evalMetrics, err := loop.Trainer.Eval(validEvalDS)
			if err != nil {
				return err
			}
			loss := metricToFloat(evalMetrics[0])
			if loss >= bestLoss {
				return nil
			}
			bestLoss = loss
			ctx.SetParam(ParamBestValidationLoss, bestLoss)
			if verbosity >= 1 {
				fmt.Printf("\t[Step %d] new best validation loss %.5f, saving checkpoint\n", loop.LoopStep, bestLoss)
			}
			return checkpoint.Save()
		})
}

func metricToFloat(metric *tensors.Tensor) float64 {
	switch value := metric.Value().(type) {
	case float32:
		return float64(value)
	case float64:
		return value
	default:
		exceptions.Panicf("unexpected metric dtype %s", metric.DType())
		panic(nil)
	}
}

// CreateDatasets loads the Pavia University scene, samples it into patches
// and splits them into training and validation sets: trainDS yields infinite
// shuffled batches for training, trainEvalDS and validEvalDS yield one epoch
// each for evaluation.
func CreateDatasets(ctx *context.Context, backend backends.Backend, dataDir string,
	batchSize, evalBatchSize int) (trainDS, trainEvalDS, validEvalDS train.Dataset) {
	image, labels := must.M2(paviau.Load(dataDir))

	patchSize := context.GetParamOr(ctx, ParamPatchSize, 5)
	if context.GetParamOr(ctx, ParamModel, ValidModels[0]) == "fnn" {
		// The FNN classifies single-pixel spectra.
		patchSize = 0
	}

	// The ground truth labels 1..NumClasses become the class ids
	// 0..NumClasses-1 the sparse cross-entropy loss expects; the undefined
	// label becomes -1 and is excluded from sampling.
	sampler := must.M1(patches.New(image, shiftLabels(labels), patchSize, -1))
	valFraction := context.GetParamOr(ctx, ParamValidationFraction, 0.2)
	splitSeed := context.GetParamOr(ctx, ParamSplitSeed, 42)
	trainSampler, validSampler := must.M2(sampler.Split(valFraction, rand.New(rand.NewSource(int64(splitSeed)))))

	baseTrain := must.M1(datasets.InMemory(backend, trainSampler, false))
	baseValid := must.M1(datasets.InMemory(backend, validSampler, false))
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true).SetName("pavia-train")
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false).SetName("pavia-train (eval)")
	validEvalDS = baseValid.BatchSize(evalBatchSize, false).SetName("pavia-validation")
	return
}

// shiftLabels maps the ground truth to loss-ready class ids: every label is
// decremented, so the undefined class 0 becomes -1 and the land-cover classes
// become 0-based.
func shiftLabels(labels *tensors.Tensor) *tensors.Tensor {
	shifted := make([]int32, labels.Shape().Size())
	labels.MustConstFlatData(func(flat any) {
		for i, label := range flat.([]int32) {
			shifted[i] = label - 1
		}
	})
	return tensors.FromFlatDataAndDimensions(shifted, labels.Shape().Dimensions...)
}
