package training

import (
	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/checkpoints"
	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/data"
	"github.com/kamicup/Nervus/nn"
	"github.com/kamicup/Nervus/optimizer"
	"github.com/kamicup/Nervus/tensor"
)

// ModelVariant is the uniform per-batch life cycle every
// modality/task pairing implements: SetData, Forward, CalBatchLoss,
// then Backward and OptimizeParameters during training or
// AccumulateLikelihood during evaluation.
type ModelVariant interface {
	Train()
	Eval()
	ZeroGrad()
	SetData(batch *data.Batch) error
	Forward() (map[string]*tensor.Tensor, error)
	CalBatchLoss(outputs map[string]*tensor.Tensor) error
	Backward(outputs map[string]*tensor.Tensor) error
	OptimizeParameters() error
	AccumulateLikelihood(outputs map[string]*tensor.Tensor) error
	Network() *nn.MultiTaskNet
	Regulator() *LossRegulator
}

type baseVariant struct {
	cfg    *config.ModelConfig
	net    *nn.DataParallel
	reg    *LossRegulator
	optim  optimizer.Optimizer
	lk     *checkpoints.Likelihood
	device tensor.Device
	batch  *data.Batch
}

func (v *baseVariant) Train() { v.net.SetTraining(true) }
func (v *baseVariant) Eval()  { v.net.SetTraining(false) }

func (v *baseVariant) ZeroGrad() { v.optim.ZeroGrad() }

func (v *baseVariant) Forward() (map[string]*tensor.Tensor, error) {
	if v.batch == nil {
		return nil, errors.New("no batch set")
	}
	return v.net.Forward(v.batch.Tabular, v.batch.Images)
}

func (v *baseVariant) CalBatchLoss(outputs map[string]*tensor.Tensor) error {
	return v.reg.CalBatchLoss(outputs, v.batch, v.net.Parameters())
}

// backward runs one reverse pass over all label heads at once, so
// gradients shared through the extractor accumulate exactly once.
func (v *baseVariant) backward(outputs map[string]*tensor.Tensor, weightPenalty bool) error {
	labels := v.cfg.LabelList
	outs := make([]*tensor.Tensor, len(labels))
	for i, label := range labels {
		out, ok := outputs[label]
		if !ok {
			return errors.Errorf("no output for label %s", label)
		}
		outs[i] = out
	}
	seeds, err := v.reg.Seeds(labels)
	if err != nil {
		return err
	}
	if err := tensor.BackwardAll(outs, seeds); err != nil {
		return err
	}
	if weightPenalty {
		v.reg.ApplyWeightPenaltyGrads(v.net.Parameters())
	}
	return nil
}

func (v *baseVariant) Backward(outputs map[string]*tensor.Tensor) error {
	return v.backward(outputs, false)
}

func (v *baseVariant) OptimizeParameters() error { return v.optim.Step() }

func (v *baseVariant) AccumulateLikelihood(outputs map[string]*tensor.Tensor) error {
	if v.lk == nil {
		return errors.New("no likelihood accumulator configured")
	}
	return v.lk.Append(v.batch, outputs)
}

func (v *baseVariant) Network() *nn.MultiTaskNet { return v.net.Canonical() }
func (v *baseVariant) Regulator() *LossRegulator { return v.reg }

// MLPVariant handles tabular point-estimate batches.
type MLPVariant struct{ baseVariant }

func (v *MLPVariant) SetData(batch *data.Batch) error {
	if batch.Tabular == nil {
		return errors.New("batch has no tabular input")
	}
	batch.Tabular.To(v.device)
	v.batch = batch
	return nil
}

// CVVariant handles image point-estimate batches.
type CVVariant struct{ baseVariant }

func (v *CVVariant) SetData(batch *data.Batch) error {
	if batch.Images == nil {
		return errors.New("batch has no image input")
	}
	batch.Images.To(v.device)
	v.batch = batch
	return nil
}

// FusionVariant handles joint tabular+image point-estimate batches.
type FusionVariant struct{ baseVariant }

func (v *FusionVariant) SetData(batch *data.Batch) error {
	if batch.Tabular == nil || batch.Images == nil {
		return errors.New("fusion batch needs tabular and image input")
	}
	batch.Tabular.To(v.device)
	batch.Images.To(v.device)
	v.batch = batch
	return nil
}

// MLPDeepSurvVariant handles tabular survival batches; periods ride
// along to the loss and the backward pass adds the weight penalty.
type MLPDeepSurvVariant struct{ baseVariant }

func (v *MLPDeepSurvVariant) SetData(batch *data.Batch) error {
	if batch.Tabular == nil || batch.Periods == nil {
		return errors.New("survival batch needs tabular input and periods")
	}
	batch.Tabular.To(v.device)
	batch.Periods.To(v.device)
	v.batch = batch
	return nil
}

func (v *MLPDeepSurvVariant) Backward(outputs map[string]*tensor.Tensor) error {
	return v.backward(outputs, true)
}

// CVDeepSurvVariant handles image survival batches.
type CVDeepSurvVariant struct{ baseVariant }

func (v *CVDeepSurvVariant) SetData(batch *data.Batch) error {
	if batch.Images == nil || batch.Periods == nil {
		return errors.New("survival batch needs image input and periods")
	}
	batch.Images.To(v.device)
	batch.Periods.To(v.device)
	v.batch = batch
	return nil
}

func (v *CVDeepSurvVariant) Backward(outputs map[string]*tensor.Tensor) error {
	return v.backward(outputs, true)
}

// FusionDeepSurvVariant handles joint tabular+image survival batches.
type FusionDeepSurvVariant struct{ baseVariant }

func (v *FusionDeepSurvVariant) SetData(batch *data.Batch) error {
	if batch.Tabular == nil || batch.Images == nil || batch.Periods == nil {
		return errors.New("survival fusion batch needs tabular, image and periods")
	}
	batch.Tabular.To(v.device)
	batch.Images.To(v.device)
	batch.Periods.To(v.device)
	v.batch = batch
	return nil
}

func (v *FusionDeepSurvVariant) Backward(outputs map[string]*tensor.Tensor) error {
	return v.backward(outputs, true)
}

// NewVariant dispatches the resolved (task, modality) pair onto one
// of the six concrete variants. Invalid pairings fail here, never
// fall through to a default.
func NewVariant(cfg *config.ModelConfig, net *nn.DataParallel, reg *LossRegulator,
	optim optimizer.Optimizer, lk *checkpoints.Likelihood) (ModelVariant, error) {

	device, err := cfg.PrimaryDevice()
	if err != nil {
		return nil, err
	}
	base := baseVariant{cfg: cfg, net: net, reg: reg, optim: optim, lk: lk, device: device}

	switch cfg.Task {
	case config.TaskClassification, config.TaskRegression:
		switch cfg.Modality {
		case nn.ModalityMLP:
			return &MLPVariant{base}, nil
		case nn.ModalityCV:
			return &CVVariant{base}, nil
		case nn.ModalityFusion:
			return &FusionVariant{base}, nil
		}
	case config.TaskDeepSurv:
		switch cfg.Modality {
		case nn.ModalityMLP:
			return &MLPDeepSurvVariant{base}, nil
		case nn.ModalityCV:
			return &CVDeepSurvVariant{base}, nil
		case nn.ModalityFusion:
			return &FusionDeepSurvVariant{base}, nil
		}
	}
	return nil, errors.Wrapf(config.ErrInvalidConfig,
		"no model variant for task %q with modality %q", cfg.Task, cfg.Modality)
}
