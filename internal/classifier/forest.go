package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
)

// Forest is a random forest exported as JSON. Split nodes send a sample left
// when x[feature] <= threshold; leaves carry class counts or weights.
type Forest struct {
	Features []string `json:"features"`
	Classes  []int    `json:"classes"`
	Trees    []Tree   `json:"trees"`
}

// Tree is a flat node array rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is a split when Left and Right are non-negative, otherwise a leaf.
type Node struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

func (n Node) leaf() bool {
	return n.Left < 0 && n.Right < 0
}

// LoadForest reads and validates a forest model file.
func LoadForest(path string) (*Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return nil, fmt.Errorf("read model: %w", err)
	}

	var f Forest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks the forest shape against the 3-feature binary contract.
func (f *Forest) Validate() error {
	if len(f.Features) != len(Features{}) {
		return fmt.Errorf("expected %d features, got %d", len(Features{}), len(f.Features))
	}
	if len(f.Classes) != 2 || f.Classes[0] != 0 || f.Classes[1] != 1 {
		return fmt.Errorf("expected classes [0 1], got %v", f.Classes)
	}
	if len(f.Trees) == 0 {
		return errors.New("model has no trees")
	}

	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d: no nodes", ti)
		}
		for ni, n := range t.Nodes {
			if n.leaf() {
				if len(n.Value) != len(f.Classes) {
					return fmt.Errorf("tree %d node %d: leaf has %d values, want %d", ti, ni, len(n.Value), len(f.Classes))
				}
				continue
			}
			if n.Feature < 0 || n.Feature >= len(f.Features) {
				return fmt.Errorf("tree %d node %d: feature index %d out of range", ti, ni, n.Feature)
			}
			// Children must point forward, which also rules out cycles.
			if n.Left <= ni || n.Left >= len(t.Nodes) || n.Right <= ni || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d: invalid children %d/%d", ti, ni, n.Left, n.Right)
			}
		}
	}
	return nil
}

// Predict averages the normalized leaf distributions of every tree and
// returns the argmax class.
func (f *Forest) Predict(x Features) (int, []float64, error) {
	probs := make([]float64, len(f.Classes))

	for ti, t := range f.Trees {
		leaf, err := t.walk(x)
		if err != nil {
			return 0, nil, fmt.Errorf("tree %d: %w", ti, err)
		}

		total := 0.0
		for _, v := range leaf.Value {
			total += v
		}
		if total <= 0 {
			return 0, nil, fmt.Errorf("tree %d: empty leaf distribution", ti)
		}
		for i, v := range leaf.Value {
			probs[i] += v / total
		}
	}

	best := 0
	for i := range probs {
		probs[i] /= float64(len(f.Trees))
		if probs[i] > probs[best] {
			best = i
		}
	}

	return f.Classes[best], probs, nil
}

func (t Tree) walk(x Features) (Node, error) {
	i := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		if i < 0 || i >= len(t.Nodes) {
			return Node{}, fmt.Errorf("node index %d out of range", i)
		}
		n := t.Nodes[i]
		if n.leaf() {
			return n, nil
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return Node{}, errors.New("tree walk did not reach a leaf")
}

// LoadBackend loads the model at path. Load failures are not fatal: they
// yield an Unavailable backend carrying the reason.
func LoadBackend(path string) Backend {
	log := logger.WithComponent("classifier")

	if path == "" {
		log.Warn().Msg("no model path configured, predictions use fallback scoring")
		return Unavailable{Reason: ErrModelNotFound}
	}

	f, err := LoadForest(path)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			log.Warn().Str("path", path).Msg("model not found, predictions use fallback scoring")
		} else {
			log.Error().Err(err).Str("path", path).Msg("failed to load model, predictions use fallback scoring")
		}
		return Unavailable{Reason: err}
	}

	log.Info().
		Str("path", path).
		Int("trees", len(f.Trees)).
		Strs("features", f.Features).
		Msg("model loaded")
	return LoadedModel{Model: f, Source: path}
}

// Reload loads path and swaps it in. On failure the current backend is kept
// and the error is returned.
func (c *Classifier) Reload(path string) error {
	f, err := LoadForest(path)
	if err != nil {
		metrics.ClassifierReloadsTotal.WithLabelValues("failed").Inc()
		return err
	}
	c.Swap(LoadedModel{Model: f, Source: path})
	metrics.ClassifierReloadsTotal.WithLabelValues("success").Inc()
	return nil
}
