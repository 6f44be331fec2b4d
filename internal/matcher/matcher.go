// Package matcher performs nearest-neighbor identification of biometric
// embeddings against a store of enrolled templates.
//
// Matching is a brute-force cosine-similarity scan over a consistent snapshot
// of the store. O(N·D) per probe is the accepted baseline at current
// enrollment sizes; the TemplateStore interface is deliberately small so an
// ANN-backed store can replace the scan without touching callers.
package matcher

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gabizap/accessd/internal/metrics"
	"github.com/gabizap/accessd/internal/validation"
)

// Template is one enrolled biometric embedding. Templates are immutable once
// stored; re-registering an identity key replaces the template wholesale.
type Template struct {
	IdentityKey  string    `json:"identity_key"`
	Embedding    []float64 `json:"embedding"`
	RegisteredAt time.Time `json:"registered_at"`
}

// MatchResult is the outcome of a probe against the enrolled set.
// When the store is empty Similarity is -1 and IdentityKey is empty.
// When Found is false the best similarity observed is still reported, but no
// identity key is disclosed.
type MatchResult struct {
	Found       bool    `json:"match"`
	IdentityKey string  `json:"identity_key,omitempty"`
	Similarity  float64 `json:"score"`
}

// Matcher validates embeddings and runs identification against a store.
type Matcher struct {
	store     TemplateStore
	dim       int
	threshold float64
}

// New creates a matcher expecting embeddings of dimension dim and using
// defaultThreshold when a probe does not supply its own.
func New(store TemplateStore, dim int, defaultThreshold float64) *Matcher {
	return &Matcher{store: store, dim: dim, threshold: defaultThreshold}
}

// DefaultThreshold returns the configured fallback match threshold.
func (m *Matcher) DefaultThreshold() float64 {
	return m.threshold
}

// Register validates and enrolls an embedding under identityKey, replacing
// any previous template for that key.
func (m *Matcher) Register(ctx context.Context, identityKey string, embedding []float64) error {
	if err := validation.CheckIdentityKey(identityKey); err != nil {
		return err
	}
	if err := validation.CheckEmbedding(embedding, m.dim); err != nil {
		return err
	}

	tpl := Template{
		IdentityKey:  identityKey,
		Embedding:    append([]float64(nil), embedding...),
		RegisteredAt: time.Now().UTC(),
	}
	if err := m.store.Put(ctx, tpl); err != nil {
		return fmt.Errorf("store template: %w", err)
	}

	if n, err := m.store.Count(ctx); err == nil {
		metrics.EnrolledTemplates.Set(float64(n))
	}
	return nil
}

// Match identifies the enrolled template most similar to the probe embedding.
// A threshold of 0 uses the matcher's default. The scan runs over a snapshot,
// so registrations racing with the probe either fully count or don't.
func (m *Matcher) Match(ctx context.Context, embedding []float64, threshold float64) (MatchResult, error) {
	if err := validation.CheckEmbedding(embedding, m.dim); err != nil {
		return MatchResult{}, err
	}
	if threshold == 0 {
		threshold = m.threshold
	}
	if err := validation.CheckThreshold(threshold); err != nil {
		return MatchResult{}, err
	}

	templates, err := m.store.Snapshot(ctx)
	if err != nil {
		return MatchResult{}, fmt.Errorf("snapshot templates: %w", err)
	}
	if len(templates) == 0 {
		metrics.MatchesTotal.WithLabelValues("empty").Inc()
		return MatchResult{Found: false, Similarity: -1}, nil
	}

	best := MatchResult{Similarity: -1}
	for _, tpl := range templates {
		sim := cosine(embedding, tpl.Embedding)
		if sim > best.Similarity || (sim == best.Similarity && tpl.IdentityKey < best.IdentityKey) {
			best.IdentityKey = tpl.IdentityKey
			best.Similarity = sim
		}
	}
	best.Found = best.Similarity >= threshold

	metrics.MatchSimilarity.Observe(best.Similarity)
	if best.Found {
		metrics.MatchesTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.MatchesTotal.WithLabelValues("miss").Inc()
		best.IdentityKey = ""
	}
	return best, nil
}

// Delete removes the template for identityKey. Unknown keys are a no-op.
func (m *Matcher) Delete(ctx context.Context, identityKey string) error {
	if err := validation.CheckIdentityKey(identityKey); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, identityKey); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n, err := m.store.Count(ctx); err == nil {
		metrics.EnrolledTemplates.Set(float64(n))
	}
	return nil
}

// cosine returns the cosine similarity of two equal-length vectors.
// Zero-norm inputs are rejected upstream by validation.
func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
