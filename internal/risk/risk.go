// Package risk scores access requests against a trained anomaly model.
//
// The scorer evaluates a 4-feature context vector (hour of day, device trust,
// geographic distance, travel velocity) against a versioned model artifact.
// Scores range 0–100; requests above the block threshold are rejected before
// any resource is touched. A missing model degrades to a fixed conservative
// verdict instead of failing the request.
package risk

import (
	"context"
	"time"
)

// Action represents the scorer's verdict on an access request.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionStepUp Action = "step_up"
	ActionBlock  Action = "block"
)

// Default score thresholds. Scores above BlockThreshold block; scores above
// StepUpThreshold (and at most BlockThreshold) require step-up verification.
const (
	DefaultBlockThreshold  = 80
	DefaultStepUpThreshold = 50
)

// ReasonModelUnavailable marks assessments produced without a loaded model.
const ReasonModelUnavailable = "model_unavailable"

// Context carries the contextual signals for one access request.
type Context struct {
	IdentityKey string  `json:"identity_key"`
	Hour        int     `json:"hour"`         // Local hour of day, 0–23
	DeviceTrust float64 `json:"device_trust"` // 0 (unknown device) to 1 (fully trusted)
	GeoDist     float64 `json:"geo_dist"`     // Distance from last known location, km
	Velocity    float64 `json:"velocity"`     // Implied travel speed since last access, km/h
}

// Features returns the context as the model's input vector.
func (c Context) Features() []float64 {
	return []float64{float64(c.Hour), c.DeviceTrust, c.GeoDist, c.Velocity}
}

// Assessment is the result of scoring a single access request.
type Assessment struct {
	ID           string    `json:"id"`
	IdentityKey  string    `json:"identity_key"`
	RiskScore    int       `json:"risk_score"` // 0–100
	Action       Action    `json:"action"`
	Anomaly      bool      `json:"anomaly"`
	Reason       string    `json:"reason,omitempty"`
	ModelVersion string    `json:"model_version,omitempty"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	ListByIdentity(ctx context.Context, identityKey string, limit int) ([]*Assessment, error)
}
