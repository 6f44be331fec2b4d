package idgen

import (
	"strings"
	"testing"
)

func TestNewFormat(t *testing.T) {
	id := New()
	if len(id) != 36 {
		t.Errorf("expected 36 chars, got %d (%s)", len(id), id)
	}
	if strings.Count(id, "-") != 4 {
		t.Errorf("expected 4 dashes, got %q", id)
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("risk_")
	if !strings.HasPrefix(id, "risk_") {
		t.Errorf("expected risk_ prefix, got %q", id)
	}
	if len(id) != len("risk_")+24 {
		t.Errorf("expected prefix + 24 hex chars, got %d chars", len(id))
	}
}
