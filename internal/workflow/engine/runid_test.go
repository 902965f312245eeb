package engine

import (
	"strings"
	"testing"
)

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b {
		t.Fatalf("ids collide: %s", a)
	}
	if len(a) != 26 {
		t.Fatalf("len = %d, want 26", len(a))
	}
	if a != strings.ToLower(a) {
		t.Fatalf("id %s not lowercase", a)
	}
}
