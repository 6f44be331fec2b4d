package matcher

import "context"

// TemplateStore is the pluggable backend for enrolled templates.
// Implementations must return defensive copies: a Template handed out by Get
// or Snapshot is never mutated by a later Put.
type TemplateStore interface {
	// Put stores a template, replacing any existing one for the same key.
	Put(ctx context.Context, tpl Template) error
	// Get returns the template for a key, or found=false.
	Get(ctx context.Context, identityKey string) (Template, bool, error)
	// Delete removes a template. Unknown keys are a no-op.
	Delete(ctx context.Context, identityKey string) error
	// Snapshot returns a point-in-time copy of all templates.
	Snapshot(ctx context.Context) ([]Template, error)
	// Count returns the number of enrolled templates.
	Count(ctx context.Context) (int, error)
}
