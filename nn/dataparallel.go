package nn

import (
	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/tensor"
)

// DataParallel shards each batch along its leading dimension across
// the configured devices, forwards every shard through the shared
// network, and reassembles the per-label outputs in row order.
// Parameters stay in the canonical network, so checkpointing sees a
// single-device view.
type DataParallel struct {
	net     *MultiTaskNet
	devices []tensor.Device
}

// NewDataParallel wraps net for the given devices. Fewer than two
// devices degenerates to a plain pass-through.
func NewDataParallel(net *MultiTaskNet, devices []tensor.Device) (*DataParallel, error) {
	if len(devices) == 0 {
		return nil, errors.New("data parallel requires at least one device")
	}
	for _, d := range devices {
		if !tensor.DeviceAvailable(d) {
			return nil, errors.Errorf("device %s not available", d)
		}
	}
	return &DataParallel{net: net, devices: devices}, nil
}

// Canonical returns the underlying single-device network.
func (p *DataParallel) Canonical() *MultiTaskNet { return p.net }

// Forward shards tab/img rows across devices and concatenates the
// per-shard head outputs.
func (p *DataParallel) Forward(tab, img *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	batch := 0
	if tab != nil {
		batch = tab.Shape[0]
	} else if img != nil {
		batch = img.Shape[0]
	}
	if len(p.devices) < 2 || batch < len(p.devices) {
		return p.net.Forward(tab, img)
	}

	bounds := shardBounds(batch, len(p.devices))
	shardOut := make([]map[string]*tensor.Tensor, 0, len(bounds))
	for i, b := range bounds {
		var st, si *tensor.Tensor
		var err error
		if tab != nil {
			if st, err = tensor.SliceRowsAutograd(tab, b[0], b[1]); err != nil {
				return nil, err
			}
			st = st.To(p.devices[i])
		}
		if img != nil {
			if si, err = tensor.SliceRowsAutograd(img, b[0], b[1]); err != nil {
				return nil, err
			}
			si = si.To(p.devices[i])
		}
		out, err := p.net.Forward(st, si)
		if err != nil {
			return nil, err
		}
		shardOut = append(shardOut, out)
	}

	merged := make(map[string]*tensor.Tensor, len(p.net.labelOrder))
	for _, label := range p.net.LabelNames() {
		parts := make([]*tensor.Tensor, len(shardOut))
		for i, out := range shardOut {
			parts[i] = out[label].To(p.devices[0])
		}
		whole, err := tensor.ConcatRowsAutograd(parts...)
		if err != nil {
			return nil, err
		}
		merged[label] = whole
	}
	return merged, nil
}

func (p *DataParallel) Parameters() []*tensor.Tensor { return p.net.Parameters() }

func (p *DataParallel) NamedParameters() []NamedParam { return p.net.NamedParameters() }

func (p *DataParallel) SetTraining(training bool) { p.net.SetTraining(training) }

func shardBounds(batch, shards int) [][2]int {
	per := batch / shards
	rem := batch % shards
	bounds := make([][2]int, 0, shards)
	start := 0
	for i := 0; i < shards; i++ {
		size := per
		if i < rem {
			size++
		}
		if size == 0 {
			continue
		}
		bounds = append(bounds, [2]int{start, start + size})
		start += size
	}
	return bounds
}
