package data

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/nn"
	"github.com/kamicup/Nervus/tensor"
)

// Batch is one collated mini-batch. Tabular and Images are nil when
// the modality does not use them; Periods is nil outside survival.
type Batch struct {
	IDs       []string
	Splits    []string
	Tabular   *tensor.Tensor
	Images    *tensor.Tensor
	Labels    map[string]*tensor.Tensor
	RawLabels map[string][]string
	Periods   *tensor.Tensor
	Size      int
}

// LoaderOptions control iteration order.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	// Sampler draws indices with replacement weighted by inverse
	// class frequency of the first label. Classification only.
	Sampler bool
	Seed    int64
}

// DataLoader iterates a dataset in mini-batches.
type DataLoader struct {
	cfg     *config.ModelConfig
	dataset *Dataset
	opts    LoaderOptions
	rng     *rand.Rand
	order   []int
	cursor  int
}

// NewDataLoader builds a loader over the dataset.
func NewDataLoader(cfg *config.ModelConfig, dataset *Dataset, opts LoaderOptions) (*DataLoader, error) {
	if opts.BatchSize < 1 {
		return nil, errors.Wrap(config.ErrInvalidConfig, "batch size must be positive")
	}
	dl := &DataLoader{
		cfg:     cfg,
		dataset: dataset,
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}
	dl.Reset()
	return dl, nil
}

// Len returns the dataset size.
func (dl *DataLoader) Len() int { return dl.dataset.Len() }

// Reset rewinds iteration and redraws the sample order.
func (dl *DataLoader) Reset() {
	n := dl.dataset.Len()
	switch {
	case dl.opts.Sampler && dl.cfg.Task == config.TaskClassification:
		dl.order = dl.drawWeighted(n)
	case dl.opts.Shuffle:
		dl.order = dl.rng.Perm(n)
	default:
		dl.order = make([]int, n)
		for i := range dl.order {
			dl.order[i] = i
		}
	}
	dl.cursor = 0
}

// HasNext reports whether another batch remains.
func (dl *DataLoader) HasNext() bool { return dl.cursor < len(dl.order) }

// Next collates and returns the next batch.
func (dl *DataLoader) Next() (*Batch, error) {
	if !dl.HasNext() {
		return nil, errors.New("data loader exhausted")
	}
	end := dl.cursor + dl.opts.BatchSize
	if end > len(dl.order) {
		end = len(dl.order)
	}
	indices := dl.order[dl.cursor:end]
	dl.cursor = end
	return dl.collate(indices)
}

func (dl *DataLoader) collate(indices []int) (*Batch, error) {
	n := len(indices)
	b := &Batch{
		IDs:       make([]string, n),
		Splits:    make([]string, n),
		Labels:    make(map[string]*tensor.Tensor, len(dl.cfg.LabelList)),
		RawLabels: make(map[string][]string, len(dl.cfg.LabelList)),
		Size:      n,
	}

	needTabular := dl.cfg.Modality != nn.ModalityCV
	needImage := dl.cfg.Modality != nn.ModalityMLP
	var tab []float32
	var imgs []float32
	var imgShape []int
	var periods []float32

	for bi, si := range indices {
		s := dl.dataset.Sample(si)
		b.IDs[bi] = s.ID
		b.Splits[bi] = s.Split
		if needTabular {
			tab = append(tab, s.Inputs...)
		}
		if needImage {
			img, shape, err := LoadImage(s.ImagePath, dl.cfg.InChannels, dl.cfg.ImageSize, dl.cfg.Normalize)
			if err != nil {
				return nil, errors.Wrapf(err, "sample %s", s.ID)
			}
			if imgShape == nil {
				imgShape = shape
			}
			imgs = append(imgs, img...)
		}
		if dl.cfg.PeriodColumn != "" {
			periods = append(periods, s.Period)
		}
	}

	var err error
	if needTabular {
		b.Tabular, err = tensor.NewTensor([]int{n, dl.cfg.NumInputs}, tensor.Float32, tensor.CPUDevice, tab)
		if err != nil {
			return nil, err
		}
	}
	if needImage {
		shape := append([]int{n}, imgShape...)
		b.Images, err = tensor.NewTensor(shape, tensor.Float32, tensor.CPUDevice, imgs)
		if err != nil {
			return nil, err
		}
	}
	if periods != nil {
		b.Periods, err = tensor.NewTensor([]int{n}, tensor.Float32, tensor.CPUDevice, periods)
		if err != nil {
			return nil, err
		}
	}

	for _, label := range dl.cfg.LabelList {
		raw := make([]string, n)
		if dl.cfg.Task == config.TaskClassification {
			vals := make([]int32, n)
			for bi, si := range indices {
				s := dl.dataset.Sample(si)
				vals[bi] = int32(s.Labels[label])
				raw[bi] = s.RawLabels[label]
			}
			b.Labels[label], err = tensor.NewTensor([]int{n}, tensor.Int32, tensor.CPUDevice, vals)
		} else {
			vals := make([]float32, n)
			for bi, si := range indices {
				s := dl.dataset.Sample(si)
				vals[bi] = s.Labels[label]
				raw[bi] = s.RawLabels[label]
			}
			b.Labels[label], err = tensor.NewTensor([]int{n, 1}, tensor.Float32, tensor.CPUDevice, vals)
		}
		if err != nil {
			return nil, err
		}
		b.RawLabels[label] = raw
	}
	return b, nil
}

// drawWeighted samples n indices with replacement, weighting each
// sample by the inverse frequency of its first-label class.
func (dl *DataLoader) drawWeighted(n int) []int {
	if len(dl.cfg.LabelList) == 0 {
		return dl.rng.Perm(n)
	}
	label := dl.cfg.LabelList[0]
	counts := make(map[float32]int)
	for i := 0; i < n; i++ {
		counts[dl.dataset.Sample(i).Labels[label]]++
	}
	weights := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		w := 1.0 / float64(counts[dl.dataset.Sample(i).Labels[label]])
		weights[i] = w
		total += w
	}
	order := make([]int, n)
	for i := range order {
		r := dl.rng.Float64() * total
		acc := 0.0
		pick := n - 1
		for j, w := range weights {
			acc += w
			if r < acc {
				pick = j
				break
			}
		}
		order[i] = pick
	}
	return order
}
