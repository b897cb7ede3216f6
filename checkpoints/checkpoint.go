// Package checkpoints persists and restores model state: weight
// snapshots, learning curves, the likelihood artifact.
package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/nn"
)

// WeightTensor is one named parameter in a snapshot.
type WeightTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Snapshot is a deep copy of every parameter in the canonical
// single-device view, in NamedParameters order.
type Snapshot []WeightTensor

// TakeSnapshot deep-copies the network's parameters.
func TakeSnapshot(net *nn.MultiTaskNet) Snapshot {
	named := net.NamedParameters()
	snap := make(Snapshot, len(named))
	for i, np := range named {
		data := make([]float32, np.Tensor.NumElems)
		copy(data, np.Tensor.Float32s())
		shape := make([]int, len(np.Tensor.Shape))
		copy(shape, np.Tensor.Shape)
		snap[i] = WeightTensor{Name: np.Name, Shape: shape, Data: data}
	}
	return snap
}

// Saver holds the in-memory best snapshot and writes weight files
// into the checkpoint directory.
type Saver struct {
	Dir string

	stored      Snapshot
	storedEpoch int
}

func NewSaver(dir string) *Saver {
	return &Saver{Dir: dir, storedEpoch: -1}
}

// StoreWeight keeps a deep copy of the current parameters in memory,
// tagged with the epoch it came from.
func (s *Saver) StoreWeight(net *nn.MultiTaskNet, epoch int) {
	s.stored = TakeSnapshot(net)
	s.storedEpoch = epoch
}

// StoredEpoch returns the epoch of the stored snapshot, -1 when
// nothing is stored.
func (s *Saver) StoredEpoch() int { return s.storedEpoch }

// WeightFileName formats the on-disk name for an epoch's weights.
func WeightFileName(epoch int, asBest bool) string {
	if asBest {
		return fmt.Sprintf("weight_epoch-%03d-best.pt", epoch)
	}
	return fmt.Sprintf("weight_epoch-%03d.pt", epoch)
}

// SaveWeight writes the stored snapshot. With asBest, an existing
// plain file for the same epoch is renamed in place instead of
// written again, so the epoch ends up with exactly one file.
func (s *Saver) SaveWeight(asBest bool) (string, error) {
	if s.stored == nil {
		return "", errors.New("no weight stored")
	}
	weightDir := filepath.Join(s.Dir, "weights")
	if err := os.MkdirAll(weightDir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating weights dir")
	}

	target := filepath.Join(weightDir, WeightFileName(s.storedEpoch, asBest))
	if asBest {
		plain := filepath.Join(weightDir, WeightFileName(s.storedEpoch, false))
		if _, err := os.Stat(plain); err == nil {
			if err := os.Rename(plain, target); err != nil {
				return "", errors.Wrap(err, "renaming best weight")
			}
			return target, nil
		}
	}
	if err := os.WriteFile(target, encodeSnapshot(s.stored), 0o644); err != nil {
		return "", errors.Wrap(err, "writing weight file")
	}
	return target, nil
}

// LoadWeight reads a weight file and restores it into the canonical
// network view. Every stored tensor must match an existing parameter
// in name and size.
func LoadWeight(path string, net *nn.MultiTaskNet) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading weight file")
	}
	snap, err := decodeSnapshot(buf)
	if err != nil {
		return errors.Wrapf(err, "decoding %s", path)
	}
	return Restore(snap, net)
}

// Restore copies a snapshot into the network's parameters.
func Restore(snap Snapshot, net *nn.MultiTaskNet) error {
	byName := make(map[string]nn.NamedParam)
	for _, np := range net.NamedParameters() {
		byName[np.Name] = np
	}
	for _, wt := range snap {
		np, ok := byName[wt.Name]
		if !ok {
			return errors.Errorf("snapshot tensor %q has no matching parameter", wt.Name)
		}
		dst := np.Tensor.Float32s()
		if len(dst) != len(wt.Data) {
			return errors.Errorf("tensor %q size mismatch: file %d, parameter %d",
				wt.Name, len(wt.Data), len(dst))
		}
		copy(dst, wt.Data)
	}
	return nil
}

// ListWeightFiles returns the weight files of a checkpoint directory
// sorted by modification time, oldest first.
func ListWeightFiles(dir string) ([]string, error) {
	weightDir := filepath.Join(dir, "weights")
	entries, err := os.ReadDir(weightDir)
	if err != nil {
		return nil, errors.Wrap(err, "listing weights")
	}
	type stamped struct {
		path string
		mod  int64
	}
	var files []stamped
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pt" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		files = append(files, stamped{filepath.Join(weightDir, e.Name()), info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod != files[j].mod {
			return files[i].mod < files[j].mod
		}
		return files[i].path < files[j].path
	})
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}
