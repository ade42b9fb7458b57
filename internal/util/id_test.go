package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("cr")
	if !strings.HasPrefix(id, "cr_") {
		t.Fatalf("NewID(cr) = %q, want cr_ prefix", id)
	}
	if len(id) != len("cr_")+32 {
		t.Fatalf("NewID(cr) length = %d, want %d", len(id), len("cr_")+32)
	}
	if NewID("cr") == id {
		t.Fatal("NewID returned the same id twice")
	}
	if bare := NewID(""); strings.Contains(bare, "_") || strings.Contains(bare, "-") {
		t.Fatalf("NewID(\"\") = %q, want bare hex", bare)
	}
}
