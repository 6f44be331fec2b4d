package risk

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func testModel() *Model {
	return &Model{
		Version:   "v1",
		Dimension: 4,
		Mean:      []float64{12, 0.8, 10, 5},
		Std:       []float64{6, 0.2, 50, 20},
		Threshold: 3.0,
	}
}

func TestScoreWithoutModel(t *testing.T) {
	s := NewScorer(nil)

	a := s.Score(context.Background(), Context{IdentityKey: "alice", Hour: 12})
	if a.RiskScore != 50 {
		t.Errorf("RiskScore = %d, want 50", a.RiskScore)
	}
	if a.Action != ActionStepUp {
		t.Errorf("Action = %q, want step_up", a.Action)
	}
	if a.Anomaly {
		t.Error("degraded verdict must not flag an anomaly")
	}
	if a.Reason != ReasonModelUnavailable {
		t.Errorf("Reason = %q, want %q", a.Reason, ReasonModelUnavailable)
	}
}

func TestScoreNormalContext(t *testing.T) {
	s := NewScorer(nil)
	s.SetModel(testModel())

	// Exactly the training mean: raw 0 → score 0 → allow.
	a := s.Score(context.Background(), Context{
		IdentityKey: "alice", Hour: 12, DeviceTrust: 0.8, GeoDist: 10, Velocity: 5,
	})
	if a.RiskScore != 0 {
		t.Errorf("RiskScore = %d, want 0", a.RiskScore)
	}
	if a.Action != ActionAllow {
		t.Errorf("Action = %q, want allow", a.Action)
	}
	if a.ModelVersion != "v1" {
		t.Errorf("ModelVersion = %q, want v1", a.ModelVersion)
	}
}

func TestScoreAnomalyBlocks(t *testing.T) {
	s := NewScorer(nil)
	s.SetModel(testModel())

	// Impossible travel: huge velocity deviation.
	a := s.Score(context.Background(), Context{
		IdentityKey: "alice", Hour: 12, DeviceTrust: 0.8, GeoDist: 9000, Velocity: 2000,
	})
	if !a.Anomaly {
		t.Fatal("expected anomaly")
	}
	if a.RiskScore < 85 || a.RiskScore > 100 {
		t.Errorf("RiskScore = %d, want within [85, 100]", a.RiskScore)
	}
	if a.Action != ActionBlock {
		t.Errorf("Action = %q, want block", a.Action)
	}
}

func TestScoreBands(t *testing.T) {
	s := NewScorer(nil)
	m := &Model{Version: "v1", Dimension: 4, Mean: []float64{0, 0, 0, 0}, Std: []float64{1, 1, 1, 1}, Threshold: 3.0}
	s.SetModel(m)

	tests := []struct {
		name   string
		z      float64 // deviation on one dimension
		action Action
	}{
		{"at mean", 0, ActionAllow},
		{"mild deviation", 1.5, ActionAllow},   // 80·1.5/3 = 40
		{"elevated", 2.5, ActionStepUp},        // 80·2.5/3 ≈ 67
		{"just under threshold", 2.99, ActionStepUp}, // ≈ 80
		{"anomalous", 3.5, ActionBlock},        // 85+round(2.5) = 88
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := s.Score(context.Background(), Context{Hour: 0, DeviceTrust: tt.z})
			if a.Action != tt.action {
				t.Errorf("z=%v: Action = %q (score %d), want %q", tt.z, a.Action, a.RiskScore, tt.action)
			}
		})
	}
}

func TestScoreMonotonicInDeviation(t *testing.T) {
	s := NewScorer(nil)
	m := &Model{Version: "v1", Dimension: 4, Mean: []float64{0, 0, 0, 0}, Std: []float64{1, 1, 1, 1}, Threshold: 3.0}
	s.SetModel(m)

	prev := -1
	for z := 0.0; z <= 8; z += 0.25 {
		a := s.Score(context.Background(), Context{DeviceTrust: z})
		if a.RiskScore < prev {
			t.Fatalf("score decreased from %d to %d at z=%v", prev, a.RiskScore, z)
		}
		prev = a.RiskScore
	}
}

func TestScoreAnomalyScoreCapped(t *testing.T) {
	s := NewScorer(nil)
	m := &Model{Version: "v1", Dimension: 4, Mean: []float64{0, 0, 0, 0}, Std: []float64{1, 1, 1, 1}, Threshold: 3.0}
	s.SetModel(m)

	a := s.Score(context.Background(), Context{GeoDist: 1e6})
	if a.RiskScore != 100 {
		t.Errorf("RiskScore = %d, want capped at 100", a.RiskScore)
	}
}

func TestScoreRecordsAudit(t *testing.T) {
	store := NewMemoryStore()
	s := NewScorer(store)
	s.SetModel(testModel())

	s.Score(context.Background(), Context{
		IdentityKey: "alice", Hour: 12, DeviceTrust: 0.8, GeoDist: 10, Velocity: 5,
	})

	// Recording is asynchronous.
	deadline := time.Now().Add(time.Second)
	for {
		got, err := store.ListByIdentity(context.Background(), "alice", 10)
		if err != nil {
			t.Fatalf("ListByIdentity() error = %v", err)
		}
		if len(got) == 1 {
			if !strings.HasPrefix(got[0].ID, "risk_") {
				t.Errorf("assessment ID = %q, want risk_ prefix", got[0].ID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("assessment never recorded, got %d entries", len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReload(t *testing.T) {
	path := writeArtifact(t, validArtifact)

	s := NewScorer(nil)
	if err := s.LoadModelFile(path); err != nil {
		t.Fatalf("LoadModelFile() error = %v", err)
	}
	if s.ModelVersion() != "2026-08-01" {
		t.Fatalf("ModelVersion = %q", s.ModelVersion())
	}

	updated := strings.Replace(validArtifact, "2026-08-01", "2026-08-15", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite artifact: %v", err)
	}
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if s.ModelVersion() != "2026-08-15" {
		t.Errorf("ModelVersion after reload = %q, want 2026-08-15", s.ModelVersion())
	}
}

func TestReloadKeepsModelOnFailure(t *testing.T) {
	path := writeArtifact(t, validArtifact)

	s := NewScorer(nil)
	if err := s.LoadModelFile(path); err != nil {
		t.Fatalf("LoadModelFile() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(`{broken`), 0o644); err != nil {
		t.Fatalf("corrupt artifact: %v", err)
	}
	if err := s.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error for corrupt artifact")
	}
	if s.ModelVersion() != "2026-08-01" {
		t.Errorf("ModelVersion = %q, want previous model still serving", s.ModelVersion())
	}
}

func TestReloadWithoutPath(t *testing.T) {
	s := NewScorer(nil)
	if err := s.Reload(context.Background()); err == nil {
		t.Fatal("expected error when no artifact path is configured")
	}
}

func TestContextFeatures(t *testing.T) {
	c := Context{Hour: 3, DeviceTrust: 0.5, GeoDist: 120, Velocity: 60}
	f := c.Features()
	want := []float64{3, 0.5, 120, 60}
	if len(f) != len(want) {
		t.Fatalf("Features() length = %d, want %d", len(f), len(want))
	}
	for i := range want {
		if f[i] != want[i] {
			t.Errorf("Features()[%d] = %v, want %v", i, f[i], want[i])
		}
	}
}
