package kafka

import (
	"testing"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("transfer.requested", 1, "corr-1")
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if env.EventID == "" || env.CorrelationID != "corr-1" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	if _, err := NewEnvelope("", 1, ""); err == nil {
		t.Fatal("expected error for empty event type")
	}
	if _, err := NewEnvelope("transfer.requested", 0, ""); err == nil {
		t.Fatal("expected error for non-positive version")
	}
}

func TestDeterministicEventID(t *testing.T) {
	a := DeterministicEventID("transfer.completed", "transfer-1")
	b := DeterministicEventID("transfer.completed", "transfer-1")
	if a != b {
		t.Fatalf("ids differ: %s vs %s", a, b)
	}
	if a == DeterministicEventID("transfer.rejected", "transfer-1") {
		t.Fatal("different parts must produce different ids")
	}
}

func TestEnvelopeValidate(t *testing.T) {
	env, err := NewEnvelopeWithID("id-1", "transfer.completed", 1, "")
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	env.EventType = ""
	if err := env.Validate(); err == nil {
		t.Fatal("expected validation error for missing event type")
	}
}
