package loom

import "testing"

func TestTokenIdentityPreservedAcrossMap(t *testing.T) {
	tok := NewToken(1)
	mapped := MapToken(tok, func(v int) string {
		return "x"
	})
	if tok.Identity() != mapped.Identity() {
		t.Fatalf("identity changed across MapToken: %v != %v", tok.Identity(), mapped.Identity())
	}
	if mapped.Value != "x" {
		t.Fatalf("mapped value = %q, want %q", mapped.Value, "x")
	}
}

func TestTokenIdentityDistinctForEqualValues(t *testing.T) {
	a := NewToken(42)
	b := NewToken(42)
	if a.Identity() == b.Identity() {
		t.Fatal("two tokens created from equal values share an identity")
	}
}
