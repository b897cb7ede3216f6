package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/data"
	"github.com/kamicup/Nervus/tensor"
)

// Phase names of the training loop.
const (
	PhaseTrain = "train"
	PhaseVal   = "val"
)

// TotalLabel keys the across-label loss series.
const TotalLabel = "total"

// DefaultWeightDecay is the L2 penalty coefficient applied to
// network weights under the survival criterion.
const DefaultWeightDecay = 1e-4

// BestModelState records the epoch whose validation total is the
// running minimum.
type BestModelState struct {
	Epoch   int
	ValLoss float64
}

// LossRegulator owns per-label batch losses, running sums, per-epoch
// series and best-epoch tracking for a run.
type LossRegulator struct {
	cfg       *config.ModelConfig
	criterion Criterion
	// WeightDecay is only consulted for the survival task.
	WeightDecay float64

	batchLoss  map[string]float64
	batchGrads map[string]*tensor.Tensor
	running    map[string]float64
	series     map[string]map[string][]float64 // phase -> label -> epochs

	best    *BestModelState
	updated bool
}

// NewLossRegulator builds the regulator for a resolved configuration.
func NewLossRegulator(cfg *config.ModelConfig) (*LossRegulator, error) {
	criterion, err := NewCriterion(cfg.Task)
	if err != nil {
		return nil, err
	}
	r := &LossRegulator{
		cfg:         cfg,
		criterion:   criterion,
		WeightDecay: DefaultWeightDecay,
		series: map[string]map[string][]float64{
			PhaseTrain: make(map[string][]float64),
			PhaseVal:   make(map[string][]float64),
		},
	}
	r.ResetRunning()
	return r, nil
}

func (r *LossRegulator) keys() []string {
	return append(append([]string(nil), r.cfg.LabelList...), TotalLabel)
}

// ResetRunning clears the running sums at the start of a phase.
func (r *LossRegulator) ResetRunning() {
	r.running = make(map[string]float64, len(r.cfg.LabelList)+1)
	for _, k := range r.keys() {
		r.running[k] = 0
	}
}

// CalBatchLoss computes the per-label criterion over the batch,
// keeping each label's mean loss and its output gradient as the
// backward seed. params is consulted only by the survival penalty.
func (r *LossRegulator) CalBatchLoss(outputs map[string]*tensor.Tensor, batch *data.Batch, params []*tensor.Tensor) error {
	r.batchLoss = make(map[string]float64, len(r.cfg.LabelList)+1)
	r.batchGrads = make(map[string]*tensor.Tensor, len(r.cfg.LabelList))

	var penalty float64
	if r.cfg.Task == config.TaskDeepSurv && r.WeightDecay > 0 {
		for _, p := range params {
			for _, v := range p.Float32s() {
				penalty += float64(v) * float64(v)
			}
		}
		penalty *= r.WeightDecay
	}

	total := 0.0
	for _, label := range r.cfg.LabelList {
		out, ok := outputs[label]
		if !ok {
			return errors.Errorf("no output for label %s", label)
		}
		loss, grad, err := r.criterion.Compute(out, batch.Labels[label], batch.Periods)
		if err != nil {
			return errors.Wrapf(err, "label %s", label)
		}
		loss += penalty
		r.batchLoss[label] = loss
		r.batchGrads[label] = grad
		total += loss
	}
	r.batchLoss[TotalLabel] = total
	return nil
}

// Seeds returns the backward seeds aligned with labels.
func (r *LossRegulator) Seeds(labels []string) ([]*tensor.Tensor, error) {
	seeds := make([]*tensor.Tensor, len(labels))
	for i, label := range labels {
		g, ok := r.batchGrads[label]
		if !ok {
			return nil, errors.Errorf("no batch gradient for label %s; compute the batch loss first", label)
		}
		seeds[i] = g
	}
	return seeds, nil
}

// ApplyWeightPenaltyGrads adds the survival L2 penalty gradient,
// 2*decay*w per label, directly onto the parameter gradients. Must
// run after the backward pass has populated them.
func (r *LossRegulator) ApplyWeightPenaltyGrads(params []*tensor.Tensor) {
	if r.cfg.Task != config.TaskDeepSurv || r.WeightDecay == 0 {
		return
	}
	scale := float32(2 * r.WeightDecay * float64(len(r.cfg.LabelList)))
	for _, p := range params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		gd, pd := grad.Float32s(), p.Float32s()
		for i := range gd {
			gd[i] += scale * pd[i]
		}
	}
}

// BatchLoss returns the last computed mean loss for a label or
// "total".
func (r *LossRegulator) BatchLoss(label string) float64 { return r.batchLoss[label] }

// CalRunningLoss folds the current batch into the running sums,
// weighted by batch size.
func (r *LossRegulator) CalRunningLoss(batchSize int) {
	for _, k := range r.keys() {
		r.running[k] += r.batchLoss[k] * float64(batchSize)
	}
}

// CalEpochLoss finalizes the phase: running sums divided by the
// dataset size, appended to the per-phase series.
func (r *LossRegulator) CalEpochLoss(phase string, datasetSize int) error {
	if datasetSize <= 0 {
		return errors.Wrap(config.ErrInvalidConfig, "epoch loss over an empty dataset")
	}
	phaseSeries, ok := r.series[phase]
	if !ok {
		return errors.Errorf("unknown phase %q", phase)
	}
	for _, k := range r.keys() {
		phaseSeries[k] = append(phaseSeries[k], r.running[k]/float64(datasetSize))
	}
	return nil
}

// IsTotalValLossUpdated reports whether the latest validation total
// strictly improved on the best seen so far, updating the best state
// when it did. Ties keep the earlier epoch.
func (r *LossRegulator) IsTotalValLossUpdated() bool {
	vals := r.series[PhaseVal][TotalLabel]
	if len(vals) == 0 {
		r.updated = false
		return false
	}
	epoch := len(vals) - 1
	latest := vals[epoch]
	if r.best == nil || latest < r.best.ValLoss {
		r.best = &BestModelState{Epoch: epoch, ValLoss: latest}
		r.updated = true
		return true
	}
	r.updated = false
	return false
}

// Best returns the best-epoch state, nil before any validation
// epoch.
func (r *LossRegulator) Best() *BestModelState { return r.best }

// EpochSeries returns the loss series for a phase and label.
func (r *LossRegulator) EpochSeries(phase, label string) []float64 {
	return r.series[phase][label]
}

// LatestEpochLoss returns the last finalized loss for a phase and
// label, NaN when no epoch is finished.
func (r *LossRegulator) LatestEpochLoss(phase, label string) float64 {
	s := r.series[phase][label]
	if len(s) == 0 {
		return math.NaN()
	}
	return s[len(s)-1]
}
