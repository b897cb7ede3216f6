// Package training holds the multi-task loss machinery, the
// modality/task model variants, and the train/test loop drivers.
package training

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/tensor"
)

// Criterion computes a mean batch loss for one label together with
// the gradient of that loss with respect to the head output. The
// gradient seeds the backward pass.
type Criterion interface {
	Compute(output, target, periods *tensor.Tensor) (float64, *tensor.Tensor, error)
}

// NewCriterion returns the criterion for a task.
func NewCriterion(task string) (Criterion, error) {
	switch task {
	case config.TaskClassification:
		return &CrossEntropy{}, nil
	case config.TaskRegression:
		return &MSE{}, nil
	case config.TaskDeepSurv:
		return &CoxNLL{}, nil
	default:
		return nil, errors.Wrapf(config.ErrInvalidConfig, "no criterion for task %q", task)
	}
}

// CrossEntropy is softmax cross entropy over class logits, averaged
// over the batch.
type CrossEntropy struct{}

func (c *CrossEntropy) Compute(output, target, _ *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if len(output.Shape) != 2 {
		return 0, nil, errors.Errorf("cross entropy expects 2D logits, got %v", output.Shape)
	}
	b, k := output.Shape[0], output.Shape[1]
	if target.DType != tensor.Int32 || target.NumElems != b {
		return 0, nil, errors.Errorf("cross entropy targets must be %d int32 class indices", b)
	}
	logits := output.Float32s()
	targets := target.Int32s()

	grad, err := tensor.Zeros(output.Shape, tensor.Float32, output.Device)
	if err != nil {
		return 0, nil, err
	}
	gd := grad.Float32s()

	loss := 0.0
	inv := 1.0 / float64(b)
	for i := 0; i < b; i++ {
		row := logits[i*k : (i+1)*k]
		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		sum := 0.0
		for _, v := range row {
			sum += math.Exp(float64(v - maxv))
		}
		t := int(targets[i])
		if t < 0 || t >= k {
			return 0, nil, errors.Errorf("class index %d out of range [0,%d)", t, k)
		}
		logZ := math.Log(sum) + float64(maxv)
		loss += logZ - float64(row[t])
		for j := 0; j < k; j++ {
			p := math.Exp(float64(row[j]) - logZ)
			gd[i*k+j] = float32(p * inv)
		}
		gd[i*k+t] -= float32(inv)
	}
	return loss * inv, grad, nil
}

// MSE is mean squared error over scalar outputs.
type MSE struct{}

func (m *MSE) Compute(output, target, _ *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if output.NumElems != target.NumElems {
		return 0, nil, errors.Errorf("mse size mismatch: %v vs %v", output.Shape, target.Shape)
	}
	od, td := output.Float32s(), target.Float32s()
	grad, err := tensor.Zeros(output.Shape, tensor.Float32, output.Device)
	if err != nil {
		return 0, nil, err
	}
	gd := grad.Float32s()

	loss := 0.0
	inv := 1.0 / float64(len(od))
	for i := range od {
		d := float64(od[i] - td[i])
		loss += d * d
		gd[i] = float32(2 * d * inv)
	}
	return loss * inv, grad, nil
}

// CoxNLL is the negative log partial likelihood of the proportional
// hazards model. Outputs are per-sample log risks, targets are event
// indicators (1 = event, 0 = censored), periods are times to event or
// censoring. A batch with no events contributes zero loss and zero
// gradient.
type CoxNLL struct{}

func (c *CoxNLL) Compute(output, target, periods *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if periods == nil {
		return 0, nil, errors.New("survival loss requires periods")
	}
	b := output.Shape[0]
	if target.NumElems != b || periods.NumElems != b {
		return 0, nil, errors.Errorf("survival batch size mismatch: %d outputs, %d targets, %d periods",
			b, target.NumElems, periods.NumElems)
	}
	risks := output.Float32s()
	events := target.Float32s()
	times := periods.Float32s()

	grad, err := tensor.Zeros(output.Shape, tensor.Float32, output.Device)
	if err != nil {
		return 0, nil, err
	}
	gd := grad.Float32s()

	numEvents := 0
	for i := 0; i < b; i++ {
		if events[i] > 0 {
			numEvents++
		}
	}
	if numEvents == 0 {
		return 0, grad, nil
	}

	// Sort by period descending so each sample's risk set is a
	// prefix of the order.
	order := make([]int, b)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return times[order[i]] > times[order[j]] })

	maxRisk := risks[0]
	for _, v := range risks[1:] {
		if v > maxRisk {
			maxRisk = v
		}
	}

	// Prefix sums of exp(risk) in sorted order.
	expSum := make([]float64, b)
	running := 0.0
	for p, idx := range order {
		running += math.Exp(float64(risks[idx] - maxRisk))
		expSum[p] = running
	}

	inv := 1.0 / float64(numEvents)
	loss := 0.0
	for p, idx := range order {
		if events[idx] <= 0 {
			continue
		}
		logDenom := math.Log(expSum[p]) + float64(maxRisk)
		loss -= float64(risks[idx]) - logDenom
		gd[idx] -= float32(inv)
		// Every sample in the risk set picks up its softmax share.
		for q := 0; q <= p; q++ {
			k := order[q]
			share := math.Exp(float64(risks[k]-maxRisk)) / expSum[p]
			gd[k] += float32(share * inv)
		}
	}
	return loss * inv, grad, nil
}
