package idgen_test

import (
	"strings"
	"testing"

	"github.com/flitsinc/go-observation/internal/idgen"
	"github.com/google/uuid"
)

func TestNewIsUUIDv7(t *testing.T) {
	id, err := uuid.Parse(idgen.New())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Version() != 7 {
		t.Fatalf("expected version 7, got %d", id.Version())
	}
}

func TestNodeID(t *testing.T) {
	got, err := idgen.NodeID("node-a")
	if err != nil || got != "node-a" {
		t.Fatalf("expected configured id, got %q %v", got, err)
	}
	generated, err := idgen.NodeID("")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := idgen.ValidateName(generated); err != nil {
		t.Fatalf("generated id %q invalid: %v", generated, err)
	}
	if _, err := idgen.NodeID("bad id"); err == nil {
		t.Fatalf("expected error for invalid configured id")
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{
		"a",
		"events",
		"node-1",
		"Node_2",
		"wiki.events",
		"0190f1c2-7a3b-7cde-8f00-123456789abc",
	}
	for _, id := range valid {
		if err := idgen.ValidateName(id); err != nil {
			t.Errorf("expected %q to be valid, got error: %v", id, err)
		}
	}

	invalid := []string{
		"",
		"-start-dash",
		"end-dash-",
		"has spaces",
		"slash/inside",
		"query?x=1",
		strings.Repeat("a", 65),
	}
	for _, id := range invalid {
		if err := idgen.ValidateName(id); err == nil {
			t.Errorf("expected %q to be invalid, got nil error", id)
		}
	}
}
