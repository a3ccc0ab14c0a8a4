package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PrototypeFile is the on-disk shape of a Regime Engine prototypes_path
// document: one named centroid per regime label, grounded in
// sawpanic-cryptorun's use of yaml.v3 for strategy configuration files.
type PrototypeFile struct {
	Dim        int                  `yaml:"dim"`
	Prototypes map[string][]float32 `yaml:"prototypes"`
}

// LoadPrototypes reads and validates a prototypes YAML file. Every centroid
// must have the declared dimension, so a malformed file fails fast instead
// of producing silently wrong distances at classification time.
func LoadPrototypes(path string) (*PrototypeFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prototypes %s: %w", path, err)
	}
	var pf PrototypeFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse prototypes %s: %w", path, err)
	}
	for label, vec := range pf.Prototypes {
		if len(vec) != pf.Dim {
			return nil, fmt.Errorf("prototype %q has dim %d, want %d", label, len(vec), pf.Dim)
		}
	}
	return &pf, nil
}
