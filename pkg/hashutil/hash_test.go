package hashutil

import "testing"

func TestRelationshipHash_Deterministic(t *testing.T) {
	h1 := RelationshipHash("pkg/a.Foo", "pkg/b.Bar", "CALLS")
	h2 := RelationshipHash("pkg/a.Foo", "pkg/b.Bar", "CALLS")
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %q and %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char lower-hex sha256, got %d chars: %q", len(h1), h1)
	}
}

func TestRelationshipHash_OrderSensitive(t *testing.T) {
	forward := RelationshipHash("pkg/a.Foo", "pkg/b.Bar", "CALLS")
	reverse := RelationshipHash("pkg/b.Bar", "pkg/a.Foo", "CALLS")
	if forward == reverse {
		t.Fatalf("expected source/target order to change the hash")
	}
}

func TestRelationshipHash_TypeSensitive(t *testing.T) {
	calls := RelationshipHash("pkg/a.Foo", "pkg/b.Bar", "CALLS")
	imports := RelationshipHash("pkg/a.Foo", "pkg/b.Bar", "IMPORTS")
	if calls == imports {
		t.Fatalf("expected relationship type to change the hash")
	}
}

func TestFilePairHash_DistinctFromRelationshipHash(t *testing.T) {
	relHash := RelationshipHash("fileA", "fileB", "CALLS")
	filePairHash := FilePairHash("fileA", "fileB", "CALLS")
	if relHash == filePairHash {
		t.Fatalf("expected file-pair hash to use a distinct namespace from relationship hash")
	}
}
