// Command roadseg trains and evaluates a drivable-area segmentation model.
// Without a real dataset on disk it runs against generated road scenes, which
// exercises the full train/evaluate/checkpoint cycle on CPU.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/roadscene/roadseg/checkpoints"
	"github.com/roadscene/roadseg/dataset"
	"github.com/roadscene/roadseg/model"
	"github.com/roadscene/roadseg/optimizer"
	"github.com/roadscene/roadseg/postprocess"
	"github.com/roadscene/roadseg/segment"
	"github.com/roadscene/roadseg/visualize"
)

const inputChannels = 3

func main() {
	app := &cli.App{
		Name:  "roadseg",
		Usage: "train and evaluate drivable-area segmentation",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "classes", Value: 3, Usage: "number of drivable-area classes (2 or 3)"},
			&cli.IntFlag{Name: "width", Value: 160, Usage: "working image width"},
			&cli.IntFlag{Name: "height", Value: 96, Usage: "working image height"},
			&cli.IntFlag{Name: "samples", Value: 64, Usage: "generated samples per split"},
			&cli.IntFlag{Name: "batch-size", Value: 4, Usage: "samples per batch"},
			&cli.IntFlag{Name: "log-spacing", Value: 4, Usage: "batches between log reports"},
			&cli.IntFlag{Name: "save-spacing", Value: 8, Usage: "batches between checkpoints"},
			&cli.BoolFlag{Name: "per-class", Usage: "report per-class loss and accuracy"},
			&cli.BoolFlag{Name: "use-crf", Usage: "smooth evaluation scores with a mean-field CRF"},
			&cli.BoolFlag{Name: "use-prior", Usage: "apply class-distribution prior correction during evaluation"},
			&cli.BoolFlag{Name: "visualize", Usage: "render side-by-side panels during evaluation"},
			&cli.StringFlag{Name: "visualize-dir", Value: "out", Usage: "directory for rendered panels"},
			&cli.StringFlag{Name: "dataset-name", Value: "Test set", Usage: "label used in evaluation reports"},
			&cli.Int64Flag{Name: "seed", Value: 1, Usage: "random seed for data generation and init"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:  "train",
				Usage: "run training epochs with periodic evaluation",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "save-to", Required: true, Usage: "checkpoint path"},
					&cli.StringFlag{Name: "load", Usage: "checkpoint to resume from"},
					&cli.IntFlag{Name: "epochs", Value: 1, Usage: "training epochs"},
					&cli.IntFlag{Name: "start-index", Value: -1, Usage: "skip batches below this index (default: resume point from --load)"},
					&cli.Float64Flag{Name: "lr", Value: 1e-3, Usage: "learning rate"},
				},
				Action: runTrain,
			},
			{
				Name:  "test",
				Usage: "evaluate a saved checkpoint",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "load", Required: true, Usage: "checkpoint to evaluate"},
				},
				Action: runTest,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// run bundles the wired-up collaborators for one invocation.
type run struct {
	trainer *segment.Trainer
	net     *model.PixelNet
	optim   optimizer.Optimizer
	writer  *checkpoints.Writer
}

// setup builds the trainer and its collaborators from the CLI flags.
func setup(c *cli.Context, lr float64, savePath string) (*run, error) {
	cfg := segment.DefaultConfig(c.Int("classes"))
	cfg.Width = c.Int("width")
	cfg.Height = c.Int("height")
	cfg.LogSpacing = c.Int("log-spacing")
	cfg.SaveSpacing = c.Int("save-spacing")
	cfg.PerClass = c.Bool("per-class")
	cfg.UseCRF = c.Bool("use-crf")
	cfg.UsePrior = c.Bool("use-prior")
	cfg.Visualize = c.Bool("visualize")
	cfg.DatasetName = c.String("dataset-name")

	log, err := newLogger(c.Bool("debug"))
	if err != nil {
		return nil, err
	}

	seed := c.Int64("seed")
	model.SetRandomSeed(seed)
	samples := c.Int("samples")
	trainData, err := dataset.Synthetic(samples, cfg.Width, cfg.Height, cfg.NumClasses, seed)
	if err != nil {
		return nil, err
	}
	testData, err := dataset.Synthetic(samples, cfg.Width, cfg.Height, cfg.NumClasses, seed+1)
	if err != nil {
		return nil, err
	}
	trainLoader, err := dataset.NewSliceLoader(trainData, c.Int("batch-size"))
	if err != nil {
		return nil, err
	}
	testLoader, err := dataset.NewSliceLoader(testData, c.Int("batch-size"))
	if err != nil {
		return nil, err
	}

	net, err := model.NewPixelNet(inputChannels, cfg.NumClasses)
	if err != nil {
		return nil, err
	}

	deps := segment.Deps{
		Model:       net,
		TrainLoader: trainLoader,
		TestLoader:  testLoader,
		Logger:      log,
	}

	var optim optimizer.Optimizer
	if lr > 0 {
		adam, err := optimizer.NewAdam(net.Parameters(), optimizer.DefaultAdamConfig(lr))
		if err != nil {
			return nil, err
		}
		optim = adam
		deps.Optimizer = adam
	}
	if cfg.UsePrior {
		stats, err := dataset.StatisticsFromLoader(trainLoader, cfg.NumClasses)
		if err != nil {
			return nil, fmt.Errorf("dataset statistics: %w", err)
		}
		deps.Statistics = stats
	}
	if cfg.UseCRF {
		deps.Smoother = postprocess.NewMeanFieldCRF()
	}
	if cfg.Visualize {
		viz, err := visualize.NewFileVisualizer(c.String("visualize-dir"), "eval", cfg.NumClasses)
		if err != nil {
			return nil, err
		}
		deps.Visualizer = viz
	}

	var writer *checkpoints.Writer
	if savePath != "" {
		writer, err = checkpoints.NewWriter(savePath, "pixelnet", net, optim)
		if err != nil {
			return nil, err
		}
		deps.Checkpointer = writer
	}

	trainer, err := segment.NewTrainer(cfg, deps)
	if err != nil {
		return nil, err
	}
	return &run{trainer: trainer, net: net, optim: optim, writer: writer}, nil
}

func runTrain(c *cli.Context) error {
	r, err := setup(c, c.Float64("lr"), c.String("save-to"))
	if err != nil {
		return err
	}

	startEpoch := 0
	startIndex := c.Int("start-index")
	if path := c.String("load"); path != "" {
		ckpt, err := checkpoints.Load(path)
		if err != nil {
			return err
		}
		if err := ckpt.Apply(r.net, r.optim); err != nil {
			return fmt.Errorf("restore %s: %w", path, err)
		}
		r.trainer.TrainStats = ckpt.TrainStats
		r.trainer.TestStats = ckpt.TestStats
		startEpoch = ckpt.TrainState.Epoch
		if startIndex < 0 {
			startIndex = ckpt.TrainState.Batch + 1
		}
	}
	if startIndex < 0 {
		startIndex = 0
	}

	ctx, cancel := runContext()
	defer cancel()

	epochs := c.Int("epochs")
	for epoch := startEpoch; epoch < startEpoch+epochs; epoch++ {
		if err := r.trainer.TrainEpoch(ctx, epoch, startIndex); err != nil {
			return err
		}
		startIndex = 0 // only the resumed epoch skips batches
		if _, err := r.trainer.Evaluate(ctx); err != nil {
			return err
		}
	}
	return r.writer.Checkpoint(startEpoch+epochs, 0, r.trainer.TrainStats, r.trainer.TestStats)
}

func runTest(c *cli.Context) error {
	r, err := setup(c, 0, "")
	if err != nil {
		return err
	}
	ckpt, err := checkpoints.Load(c.String("load"))
	if err != nil {
		return err
	}
	if err := ckpt.Apply(r.net, nil); err != nil {
		return fmt.Errorf("restore %s: %w", c.String("load"), err)
	}
	r.trainer.TestStats = ckpt.TestStats

	ctx, cancel := runContext()
	defer cancel()

	result, err := r.trainer.Evaluate(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("loss %.4f | accuracy %.2f%% | mean jaccard %.4f over %d batches\n",
		result.Loss, 100*result.Accuracy, result.MeanJaccard, result.Batches)
	return nil
}
