package main

import (
	"github.com/spf13/cobra"

	"github.com/kamicup/Nervus/checkpoints"
	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/data"
	"github.com/kamicup/Nervus/logging"
	"github.com/kamicup/Nervus/nn"
	"github.com/kamicup/Nervus/optimizer"
	"github.com/kamicup/Nervus/training"
)

func newTrainCmd() *cobra.Command {
	opts := config.TrainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "train a model from a source table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.CSVPath, "csvpath", "", "source table CSV")
	f.StringVar(&opts.Task, "task", "", "classification | regression | deepsurv")
	f.StringVar(&opts.Model, "model", "", `"MLP", an image architecture, or "MLP+<arch>"`)
	f.StringVar(&opts.Optimizer, "optimizer", "Adam", "SGD | Adam")
	f.Float64Var(&opts.LR, "lr", 0.001, "learning rate")
	f.IntVar(&opts.Epochs, "epochs", 10, "training epochs")
	f.IntVar(&opts.BatchSize, "batch-size", 32, "mini-batch size")
	f.IntVar(&opts.InChannels, "in-channels", 3, "image channels (1 or 3)")
	f.IntVar(&opts.ImageSize, "image-size", 0, "square input resolution (required for patch transformers)")
	f.BoolVar(&opts.Normalize, "normalize-image", false, "normalize pixel values")
	f.StringVar(&opts.SavePolicy, "save-weight-policy", config.SaveBest, "best | each")
	f.IntSliceVar(&opts.GPUIDs, "gpu-ids", nil, "accelerator indices, empty for CPU")
	f.StringVar(&opts.SaveDir, "save-dir", "results", "results root directory")
	f.Int64Var(&opts.Seed, "seed", 0, "initialization seed")
	cobra.CheckErr(cmd.MarkFlagRequired("csvpath"))
	cobra.CheckErr(cmd.MarkFlagRequired("task"))
	cobra.CheckErr(cmd.MarkFlagRequired("model"))
	return cmd
}

func runTrain(opts config.TrainOptions) error {
	log, err := logging.New(verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.FromOptions(opts)
	if err != nil {
		return err
	}
	log.Infow("configuration resolved",
		"task", cfg.Task, "modality", cfg.Modality, "labels", cfg.LabelList,
		"checkpoint_dir", cfg.CheckpointDir)

	nn.SetSeed(cfg.Seed)
	bs, err := cfg.BuildSpec()
	if err != nil {
		return err
	}
	net, err := nn.Build(bs)
	if err != nil {
		return err
	}
	devices, err := cfg.Devices()
	if err != nil {
		return err
	}
	parallel, err := nn.NewDataParallel(net, devices)
	if err != nil {
		return err
	}

	reg, err := training.NewLossRegulator(cfg)
	if err != nil {
		return err
	}
	optim, err := optimizer.New(cfg.Optimizer, net.Parameters(), cfg.LR)
	if err != nil {
		return err
	}
	variant, err := training.NewVariant(cfg, parallel, reg, optim, nil)
	if err != nil {
		return err
	}

	samples, err := data.LoadSamples(cfg)
	if err != nil {
		return err
	}
	trainLoader, err := newLoader(cfg, samples, "train", data.LoaderOptions{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		Sampler:   cfg.Sampler,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return err
	}
	valLoader, err := newLoader(cfg, samples, "val", data.LoaderOptions{BatchSize: cfg.BatchSize})
	if err != nil {
		return err
	}

	trainer := &training.Trainer{
		Cfg:     cfg,
		Variant: variant,
		Saver:   checkpoints.NewSaver(cfg.CheckpointDir),
		Train:   trainLoader,
		Val:     valLoader,
		Log:     log,
	}
	return trainer.Run()
}

func newLoader(cfg *config.ModelConfig, samples []*data.Sample, split string, opts data.LoaderOptions) (*data.DataLoader, error) {
	ds, err := data.NewDataset(cfg, samples, split)
	if err != nil {
		return nil, err
	}
	return data.NewDataLoader(cfg, ds, opts)
}
