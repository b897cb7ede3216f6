package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ParametersFile is the name of the persisted configuration inside a
// checkpoint directory.
const ParametersFile = "parameters.json"

// SaveParameters writes the configuration to the checkpoint
// directory so test runs can reproduce the training-time
// architecture.
func (c *ModelConfig) SaveParameters() error {
	if err := os.MkdirAll(c.CheckpointDir, 0o755); err != nil {
		return errors.Wrap(err, "creating checkpoint dir")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding parameters")
	}
	path := filepath.Join(c.CheckpointDir, ParametersFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "writing parameters")
	}
	return nil
}

// LoadParameters reads a persisted configuration. Unknown keys are
// rejected so a stale or hand-edited file fails loudly.
func LoadParameters(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading parameters")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg ModelConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "decoding %s: %v", path, err)
	}
	if err := validTask(cfg.Task); err != nil {
		return nil, err
	}
	return &cfg, nil
}
