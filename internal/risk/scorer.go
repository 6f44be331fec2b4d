package risk

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/gabizap/accessd/internal/idgen"
	"github.com/gabizap/accessd/internal/logging"
	"github.com/gabizap/accessd/internal/metrics"
)

// Scorer evaluates access contexts against the currently loaded model.
// The model pointer is swapped atomically on reload, so in-flight scores
// finish on the version they started with.
type Scorer struct {
	model           atomic.Pointer[Model]
	store           Store
	modelPath       string
	blockThreshold  int
	stepUpThreshold int
}

// NewScorer creates a scorer backed by the given audit store. The model is
// loaded separately via LoadModelFile or SetModel; until then the scorer
// runs degraded.
func NewScorer(store Store) *Scorer {
	return &Scorer{
		store:           store,
		blockThreshold:  DefaultBlockThreshold,
		stepUpThreshold: DefaultStepUpThreshold,
	}
}

// WithBlockThreshold overrides the default block threshold.
func (s *Scorer) WithBlockThreshold(t int) *Scorer {
	s.blockThreshold = t
	return s
}

// WithStepUpThreshold overrides the default step-up threshold.
func (s *Scorer) WithStepUpThreshold(t int) *Scorer {
	s.stepUpThreshold = t
	return s
}

// SetModel installs a model, replacing any current one.
func (s *Scorer) SetModel(m *Model) {
	s.model.Store(m)
	if m != nil {
		metrics.RiskModelLoaded.Set(1)
	} else {
		metrics.RiskModelLoaded.Set(0)
	}
}

// LoadModelFile loads the artifact at path and remembers the path for Reload.
func (s *Scorer) LoadModelFile(path string) error {
	m, err := LoadModel(path)
	if err != nil {
		return err
	}
	s.modelPath = path
	s.SetModel(m)
	return nil
}

// Reload re-reads the artifact last loaded with LoadModelFile and swaps it
// in atomically. A failed reload keeps the current model serving.
func (s *Scorer) Reload(ctx context.Context) error {
	if s.modelPath == "" {
		return fmt.Errorf("no model artifact path configured")
	}
	m, err := LoadModel(s.modelPath)
	if err != nil {
		return err
	}
	s.SetModel(m)
	logging.Component(ctx, "risk").Info("model reloaded",
		"version", m.Version,
		"dimension", m.Dimension,
	)
	return nil
}

// ModelVersion returns the loaded model's version, or "" when degraded.
func (s *Scorer) ModelVersion() string {
	if m := s.model.Load(); m != nil {
		return m.Version
	}
	return ""
}

// Score evaluates an access context and returns an assessment. It never
// returns an error: without a model it emits the fixed degraded verdict
// (score 50, step_up) rather than failing the request.
func (s *Scorer) Score(ctx context.Context, rc Context) *Assessment {
	assessment := &Assessment{
		ID:          idgen.WithPrefix("risk_"),
		IdentityKey: rc.IdentityKey,
		EvaluatedAt: time.Now(),
	}

	m := s.model.Load()
	if m == nil {
		assessment.RiskScore = 50
		assessment.Action = ActionStepUp
		assessment.Anomaly = false
		assessment.Reason = ReasonModelUnavailable
	} else {
		anomaly, raw := m.Score(rc.Features())
		assessment.Anomaly = anomaly
		assessment.RiskScore = s.mapScore(m, anomaly, raw)
		assessment.Action = s.actionFor(assessment.RiskScore)
		assessment.ModelVersion = m.Version
	}

	metrics.RiskScoresTotal.WithLabelValues(string(assessment.Action)).Inc()

	// Persist asynchronously (best-effort audit trail)
	if s.store != nil {
		go func() {
			_ = s.store.Record(context.Background(), assessment)
		}()
	}

	return assessment
}

// mapScore maps the model's raw z-score onto the 0–100 risk scale.
// Anomalies land in [85, 100] so they always clear the block threshold;
// normal traffic tops out at 80, scaled by how close it came to the
// anomaly boundary. Both branches are monotonic in raw.
func (s *Scorer) mapScore(m *Model, anomaly bool, raw float64) int {
	if anomaly {
		excess := int(math.Round(5 * (raw - m.Threshold)))
		if excess > 15 {
			excess = 15
		}
		return 85 + excess
	}
	score := int(math.Round(80 * raw / m.Threshold))
	if score > 80 {
		score = 80
	}
	return score
}

func (s *Scorer) actionFor(score int) Action {
	switch {
	case score > s.blockThreshold:
		return ActionBlock
	case score > s.stepUpThreshold:
		return ActionStepUp
	default:
		return ActionAllow
	}
}

// BlockThreshold returns the configured block threshold.
func (s *Scorer) BlockThreshold() int {
	return s.blockThreshold
}
