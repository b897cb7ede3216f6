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

func newTestCmd() *cobra.Command {
	opts := config.TestOptions{}
	cmd := &cobra.Command{
		Use:   "test",
		Short: "evaluate stored weights and write likelihood files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.CheckpointDir, "checkpoint-dir", "", "training run directory")
	f.StringVar(&opts.CSVPath, "csvpath", "", "override source table (e.g. an external dataset)")
	f.StringSliceVar(&opts.Splits, "splits", nil, "splits to evaluate (default train,val,test)")
	f.IntVar(&opts.BatchSize, "batch-size", 0, "mini-batch size (default: training value)")
	f.IntSliceVar(&opts.GPUIDs, "gpu-ids", nil, "accelerator indices, empty for CPU")
	cobra.CheckErr(cmd.MarkFlagRequired("checkpoint-dir"))
	return cmd
}

func runTest(opts config.TestOptions) error {
	log, err := logging.New(verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.FromWeightCheckpoint(opts)
	if err != nil {
		return err
	}
	log.Infow("test configuration loaded",
		"task", cfg.Task, "modality", cfg.Modality, "splits", cfg.Splits)

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
	lk := checkpoints.NewLikelihood(cfg)
	variant, err := training.NewVariant(cfg, parallel, reg, optim, lk)
	if err != nil {
		return err
	}

	samples, err := data.LoadSamples(cfg)
	if err != nil {
		return err
	}
	loaders := make(map[string]*data.DataLoader, len(cfg.Splits))
	for _, split := range cfg.Splits {
		loader, err := newLoader(cfg, samples, split, data.LoaderOptions{BatchSize: cfg.BatchSize})
		if err != nil {
			return err
		}
		loaders[split] = loader
	}

	tester := &training.Tester{
		Cfg:        cfg,
		Variant:    variant,
		Likelihood: lk,
		Loaders:    loaders,
		Log:        log,
	}
	return tester.Run()
}
