package training

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kamicup/Nervus/checkpoints"
	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/data"
)

// Trainer drives the epoch loop: train and val phases per epoch,
// best-epoch tracking, weight storage per save policy, and the final
// artifacts.
type Trainer struct {
	Cfg     *config.ModelConfig
	Variant ModelVariant
	Saver   *checkpoints.Saver
	Train   *data.DataLoader
	Val     *data.DataLoader
	Log     *zap.SugaredLogger
}

// Run executes all configured epochs and writes the learning curves,
// the best weight file and the parameters file.
func (t *Trainer) Run() error {
	if t.Cfg.Epochs < 1 {
		return errors.Wrap(config.ErrInvalidConfig, "epochs must be positive")
	}
	reg := t.Variant.Regulator()

	for epoch := 0; epoch < t.Cfg.Epochs; epoch++ {
		for _, phase := range []string{PhaseTrain, PhaseVal} {
			if err := t.runPhase(phase); err != nil {
				return errors.Wrapf(err, "epoch %d %s", epoch, phase)
			}
		}
		if reg.IsTotalValLossUpdated() {
			t.Saver.StoreWeight(t.Variant.Network(), epoch)
			if t.Cfg.SavePolicy == config.SaveEach && epoch > 0 {
				if _, err := t.Saver.SaveWeight(false); err != nil {
					return errors.Wrapf(err, "epoch %d", epoch)
				}
			}
		}
		if t.Log != nil {
			t.Log.Infow("epoch done",
				"epoch", epoch+1,
				"epochs", t.Cfg.Epochs,
				"train_loss", reg.LatestEpochLoss(PhaseTrain, TotalLabel),
				"val_loss", reg.LatestEpochLoss(PhaseVal, TotalLabel),
				"best_epoch", reg.Best().Epoch,
			)
		}
	}

	return t.finish()
}

func (t *Trainer) runPhase(phase string) error {
	loader := t.Train
	if phase == PhaseVal {
		loader = t.Val
		t.Variant.Eval()
	} else {
		t.Variant.Train()
	}
	reg := t.Variant.Regulator()
	reg.ResetRunning()

	// Batches collate in the background so image decoding overlaps
	// the optimization step.
	pf := data.NewPrefetcher(loader, data.PrefetcherConfig{})
	if err := pf.Start(); err != nil {
		return err
	}
	defer pf.Stop()

	for {
		batch, ok, err := pf.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		t.Variant.ZeroGrad()
		if err := t.Variant.SetData(batch); err != nil {
			return err
		}
		outputs, err := t.Variant.Forward()
		if err != nil {
			return err
		}
		if err := t.Variant.CalBatchLoss(outputs); err != nil {
			return err
		}
		if phase == PhaseTrain {
			if err := t.Variant.Backward(outputs); err != nil {
				return err
			}
			if err := t.Variant.OptimizeParameters(); err != nil {
				return err
			}
		}
		reg.CalRunningLoss(batch.Size)
	}
	return reg.CalEpochLoss(phase, pf.Len())
}

func (t *Trainer) finish() error {
	reg := t.Variant.Regulator()
	best := reg.Best()
	if best == nil {
		return errors.New("no validation epoch finished")
	}

	labels := append(append([]string(nil), t.Cfg.LabelList...), TotalLabel)
	for _, label := range labels {
		_, err := checkpoints.SaveLearningCurve(
			t.Cfg.CheckpointDir, label,
			reg.EpochSeries(PhaseTrain, label),
			reg.EpochSeries(PhaseVal, label),
			best.Epoch, best.ValLoss,
		)
		if err != nil {
			return err
		}
	}
	if _, err := t.Saver.SaveWeight(true); err != nil {
		return err
	}
	if err := t.Cfg.SaveParameters(); err != nil {
		return err
	}
	if t.Log != nil {
		t.Log.Infow("training finished",
			"best_epoch", best.Epoch,
			"best_val_loss", best.ValLoss,
			"checkpoint_dir", t.Cfg.CheckpointDir,
		)
	}
	return nil
}

// Tester evaluates every stored weight file over the configured
// splits, flushing one likelihood CSV per weight file.
type Tester struct {
	Cfg        *config.ModelConfig
	Variant    ModelVariant
	Likelihood *checkpoints.Likelihood
	Loaders    map[string]*data.DataLoader // keyed by split
	Log        *zap.SugaredLogger
}

// Run iterates weight files in modification order.
func (t *Tester) Run() error {
	weights, err := checkpoints.ListWeightFiles(t.Cfg.CheckpointDir)
	if err != nil {
		return err
	}
	if len(weights) == 0 {
		return errors.Errorf("no weight files under %s", t.Cfg.CheckpointDir)
	}

	for _, weightPath := range weights {
		if err := checkpoints.LoadWeight(weightPath, t.Variant.Network()); err != nil {
			return err
		}
		t.Variant.Eval()
		for _, split := range t.Cfg.Splits {
			loader, ok := t.Loaders[split]
			if !ok {
				return errors.Errorf("no loader for split %q", split)
			}
			if err := t.runSplit(loader); err != nil {
				return errors.Wrapf(err, "split %s", split)
			}
		}
		path, err := t.Likelihood.Flush(t.Cfg.CheckpointDir, weightPath)
		if err != nil {
			return err
		}
		if t.Log != nil {
			t.Log.Infow("evaluated weight", "weight", weightPath, "likelihood", path)
		}
	}
	return nil
}

func (t *Tester) runSplit(loader *data.DataLoader) error {
	pf := data.NewPrefetcher(loader, data.PrefetcherConfig{})
	if err := pf.Start(); err != nil {
		return err
	}
	defer pf.Stop()

	for {
		batch, ok, err := pf.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := t.Variant.SetData(batch); err != nil {
			return err
		}
		outputs, err := t.Variant.Forward()
		if err != nil {
			return err
		}
		if err := t.Variant.AccumulateLikelihood(outputs); err != nil {
			return err
		}
	}
}
