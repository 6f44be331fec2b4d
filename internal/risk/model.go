package risk

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Model is a diagonal-Gaussian anomaly model loaded from a versioned JSON
// artifact produced by the offline training job. A model is immutable after
// Load; hot reload swaps the whole pointer.
type Model struct {
	Version   string    `json:"version"`
	Dimension int       `json:"dimension"`
	Mean      []float64 `json:"mean"`
	Std       []float64 `json:"std"`
	Threshold float64   `json:"threshold"`
}

// LoadModel reads and validates a model artifact from disk.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse model artifact: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model artifact %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the artifact's internal consistency.
func (m *Model) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("missing version")
	}
	if m.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", m.Dimension)
	}
	if len(m.Mean) != m.Dimension {
		return fmt.Errorf("mean has %d entries, want %d", len(m.Mean), m.Dimension)
	}
	if len(m.Std) != m.Dimension {
		return fmt.Errorf("std has %d entries, want %d", len(m.Std), m.Dimension)
	}
	for i, s := range m.Std {
		if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("std[%d] must be a positive finite number, got %v", i, s)
		}
	}
	if m.Threshold <= 0 || math.IsNaN(m.Threshold) || math.IsInf(m.Threshold, 0) {
		return fmt.Errorf("threshold must be a positive finite number, got %v", m.Threshold)
	}
	return nil
}

// Score evaluates a feature vector. raw is the largest absolute z-score
// across dimensions; anomaly means raw exceeds the model's threshold.
func (m *Model) Score(features []float64) (anomaly bool, raw float64) {
	for i := range features {
		if i >= m.Dimension {
			break
		}
		z := math.Abs((features[i] - m.Mean[i]) / m.Std[i])
		if z > raw {
			raw = z
		}
	}
	return raw > m.Threshold, raw
}
