// Package pipeline composes the access-decision stages into one verdict.
//
// Every decision walks the same fixed stage order:
//
//	RATE_CHECK → IDENTITY_CHECK → MATCH_AND_SCORE → DECIDED
//
// A stage that denies ends the walk; later stages never run. Backend failures
// at RATE_CHECK or MATCH_AND_SCORE fail closed (ERROR_UNAVAILABLE); input the
// matcher rejects as malformed blocks instead. The risk
// scorer never fails a decision: without a model it produces its degraded
// verdict and the walk continues. No stage retries; every backend call runs
// under a bounded per-stage timeout.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/gabizap/accessd/internal/idgen"
	"github.com/gabizap/accessd/internal/logging"
	"github.com/gabizap/accessd/internal/matcher"
	"github.com/gabizap/accessd/internal/metrics"
	"github.com/gabizap/accessd/internal/ratelimit"
	"github.com/gabizap/accessd/internal/risk"
	"github.com/gabizap/accessd/internal/traces"
	"github.com/gabizap/accessd/internal/validation"
)

// Outcome is the pipeline's terminal verdict.
type Outcome string

const (
	OutcomeAllow            Outcome = "ALLOW"
	OutcomeStepUp           Outcome = "STEP_UP"
	OutcomeBlock            Outcome = "BLOCK"
	OutcomeDeniedRateLimit  Outcome = "DENIED_RATE_LIMIT"
	OutcomeDeniedUnauth     Outcome = "DENIED_UNAUTH"
	OutcomeErrorUnavailable Outcome = "ERROR_UNAVAILABLE"
)

// DefaultStageTimeout bounds each backend call within a decision.
const DefaultStageTimeout = 2 * time.Second

// Request carries everything one access decision needs.
type Request struct {
	ClientKey        string       `json:"client_key"`        // Rate-limit key (client IP or tenant)
	IdentityKey      string       `json:"identity_key"`      // Claimed identity
	Credential       string       `json:"credential"`        // API key presented for the identity
	Embedding        []float64    `json:"embedding"`         // Optional biometric probe
	Context          risk.Context `json:"context"`           // Contextual risk signals
	RequireBiometric bool         `json:"require_biometric"` // Force a biometric match to allow
}

// MatchInfo reports the biometric stage of a decision.
type MatchInfo struct {
	Attempted  bool    `json:"attempted"`
	Found      bool    `json:"found"`
	Similarity float64 `json:"similarity"`
}

// Decision is the pipeline's result.
type Decision struct {
	ID         string      `json:"id"`
	Outcome    Outcome     `json:"outcome"`
	Action     risk.Action `json:"action,omitempty"`
	RiskScore  int         `json:"risk_score"`
	Anomaly    bool        `json:"anomaly"`
	Match      *MatchInfo  `json:"match,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	RetryAfter int         `json:"retry_after,omitempty"` // Seconds, set on DENIED_RATE_LIMIT
	DecidedAt  time.Time   `json:"decided_at"`
}

// CredentialVerifier checks that a credential belongs to the claimed identity.
type CredentialVerifier interface {
	Verify(ctx context.Context, identityKey, credential string) error
}

// Limiter is the rate-limit stage dependency.
type Limiter interface {
	Admit(ctx context.Context, key string) (ratelimit.Result, error)
}

// Matcher is the biometric stage dependency.
type Matcher interface {
	Match(ctx context.Context, embedding []float64, threshold float64) (matcher.MatchResult, error)
}

// Scorer is the risk stage dependency. Score never fails; degraded verdicts
// replace errors.
type Scorer interface {
	Score(ctx context.Context, rc risk.Context) *risk.Assessment
}

// Pipeline wires the stages together.
type Pipeline struct {
	limiter      Limiter
	verifier     CredentialVerifier
	matcher      Matcher
	scorer       Scorer
	stageTimeout time.Duration
}

// New creates a pipeline. All four collaborators are required.
func New(limiter Limiter, verifier CredentialVerifier, m Matcher, scorer Scorer) *Pipeline {
	return &Pipeline{
		limiter:      limiter,
		verifier:     verifier,
		matcher:      m,
		scorer:       scorer,
		stageTimeout: DefaultStageTimeout,
	}
}

// WithStageTimeout overrides the per-stage backend timeout.
func (p *Pipeline) WithStageTimeout(d time.Duration) *Pipeline {
	if d > 0 {
		p.stageTimeout = d
	}
	return p
}

// Decide runs the full stage walk for one request. The returned Decision is
// always usable; transport concerns (status codes) belong to the caller.
func (p *Pipeline) Decide(ctx context.Context, req Request) Decision {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "pipeline.decide",
		traces.IdentityKey(req.IdentityKey),
		traces.ClientKey(req.ClientKey),
	)
	defer span.End()

	d := p.decide(ctx, req)
	d.ID = idgen.WithPrefix("dec_")
	d.DecidedAt = time.Now().UTC()

	span.SetAttributes(traces.Outcome(string(d.Outcome)), traces.RiskScore(d.RiskScore))
	if d.Match != nil && d.Match.Attempted {
		span.SetAttributes(traces.Similarity(d.Match.Similarity))
	}
	metrics.DecisionsTotal.WithLabelValues(string(d.Outcome)).Inc()
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())

	logging.Component(ctx, "pipeline").Info("decision",
		"decision_id", d.ID,
		"identity_key", req.IdentityKey,
		"outcome", d.Outcome,
		"risk_score", d.RiskScore,
		"anomaly", d.Anomaly,
		"reason", d.Reason,
	)
	return d
}

func (p *Pipeline) decide(ctx context.Context, req Request) Decision {
	// RATE_CHECK
	res, err := p.admit(ctx, req.ClientKey)
	if err != nil {
		return Decision{Outcome: OutcomeErrorUnavailable, Reason: "rate_limiter_unavailable"}
	}
	if !res.Allowed {
		retryAfter := int(res.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Outcome: OutcomeDeniedRateLimit, Reason: "rate_limit_exceeded", RetryAfter: retryAfter}
	}

	// IDENTITY_CHECK
	if err := p.verify(ctx, req.IdentityKey, req.Credential); err != nil {
		return Decision{Outcome: OutcomeDeniedUnauth, Reason: "invalid_credential"}
	}

	// MATCH_AND_SCORE
	var match *MatchInfo
	if len(req.Embedding) > 0 {
		mres, err := p.match(ctx, req.Embedding)
		if err != nil {
			// A malformed embedding is the caller's fault, not an outage.
			var verr *validation.ValidationError
			if errors.As(err, &verr) {
				return Decision{Outcome: OutcomeBlock, Action: risk.ActionBlock, Reason: "invalid_" + verr.Field}
			}
			return Decision{Outcome: OutcomeErrorUnavailable, Reason: "matcher_unavailable"}
		}
		// Only a match against the claimed identity counts.
		match = &MatchInfo{
			Attempted:  true,
			Found:      mres.Found && mres.IdentityKey == req.IdentityKey,
			Similarity: mres.Similarity,
		}
	}

	rc := req.Context
	rc.IdentityKey = req.IdentityKey
	assessment := p.scorer.Score(ctx, rc)

	d := Decision{
		Action:    assessment.Action,
		RiskScore: assessment.RiskScore,
		Anomaly:   assessment.Anomaly,
		Match:     match,
		Reason:    assessment.Reason,
	}

	// DECIDED — precedence: risk block beats everything, then a required
	// biometric that didn't match, then the scorer's verdict stands.
	switch {
	case assessment.Action == risk.ActionBlock:
		d.Outcome = OutcomeBlock
		if d.Reason == "" {
			d.Reason = "risk_block"
		}
	case req.RequireBiometric && (match == nil || !match.Found):
		d.Outcome = OutcomeBlock
		d.Action = risk.ActionBlock
		d.Reason = "biometric_required"
	case assessment.Action == risk.ActionStepUp:
		d.Outcome = OutcomeStepUp
	default:
		d.Outcome = OutcomeAllow
	}
	return d
}

func (p *Pipeline) admit(ctx context.Context, key string) (ratelimit.Result, error) {
	sctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()
	return p.limiter.Admit(sctx, key)
}

func (p *Pipeline) verify(ctx context.Context, identityKey, credential string) error {
	sctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()
	return p.verifier.Verify(sctx, identityKey, credential)
}

func (p *Pipeline) match(ctx context.Context, embedding []float64) (matcher.MatchResult, error) {
	sctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()
	// Threshold 0 delegates to the matcher's configured default.
	return p.matcher.Match(sctx, embedding, 0)
}
