package types

import "testing"

func TestCanonicalName(t *testing.T) {
	cases := map[string]string{
		"Acme Corp":     "acme corp",
		"  Acme  Corp ": "acme corp",
		"ACME\tCORP":    "acme corp",
		"alice":         "alice",
	}
	for in, want := range cases {
		if got := CanonicalName(in); got != want {
			t.Errorf("CanonicalName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEntityKeyMergesVariants(t *testing.T) {
	a := EntityKey("Acme Corp", "organization")
	b := EntityKey("  acme  corp", "Organization")
	if a != b {
		t.Errorf("expected variant spellings to share a key: %q vs %q", a, b)
	}

	c := EntityKey("Acme Corp", "person")
	if a == c {
		t.Error("different types must not collide")
	}
}

func TestTripleHashStable(t *testing.T) {
	tr := Triple{Subject: "Alice", SubjectType: "person", Predicate: "works_at", Object: "Acme Corp", ObjectType: "organization"}

	h1 := TripleHash("doc1", "chunk1", tr)
	h2 := TripleHash("doc1", "chunk1", Triple{Subject: " alice ", SubjectType: "Person", Predicate: "WORKS_AT", Object: "acme  corp", ObjectType: "organization"})
	if h1 != h2 {
		t.Error("hash must be stable under canonicalization")
	}

	h3 := TripleHash("doc1", "chunk2", tr)
	if h1 == h3 {
		t.Error("different chunks must produce different hashes")
	}
}
