package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/logging"
	"github.com/kamicup/Nervus/metrics"
)

func newEvalCmd() *cobra.Command {
	var checkpointDir, saveDir string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "compute metrics from likelihood files and update the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(checkpointDir, saveDir)
		},
	}
	cmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "", "training run directory")
	cmd.Flags().StringVar(&saveDir, "save-dir", "results", "results root directory")
	cobra.CheckErr(cmd.MarkFlagRequired("checkpoint-dir"))
	return cmd
}

func runEval(checkpointDir, saveDir string) error {
	log, err := logging.New(verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.LoadParameters(filepath.Join(checkpointDir, config.ParametersFile))
	if err != nil {
		return err
	}

	lkDir := filepath.Join(checkpointDir, "likelihoods")
	entries, err := os.ReadDir(lkDir)
	if err != nil {
		return errors.Wrap(err, "listing likelihood files")
	}
	evaluated := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		path := filepath.Join(lkDir, e.Name())
		results, err := metrics.Evaluate(cfg, path)
		if err != nil {
			return err
		}
		if _, err := metrics.UpdateSummary(saveDir, path, results, time.Now()); err != nil {
			return err
		}
		for _, r := range results {
			log.Infow("metric", "likelihood", e.Name(),
				"label", r.Label, "split", r.Split, r.Metric, r.Value)
		}
		evaluated++
	}
	if evaluated == 0 {
		return errors.Errorf("no likelihood files under %s", lkDir)
	}

	plots, err := metrics.PlotLearningCurves(checkpointDir)
	if err != nil {
		log.Warnw("learning curve plots skipped", "error", err)
	} else {
		log.Infow("learning curves plotted", "count", len(plots))
	}
	return nil
}
