package models

import "testing"

func TestExpectedEvidenceCount(t *testing.T) {
	// RelationshipResolution always votes; DirectoryResolution votes for
	// same-directory pairs; FileAnalysis votes for same-file pairs.
	if got := ExpectedEvidenceCount(true, true); got != 3 {
		t.Errorf("same-file pair: expected 3 votes, got %d", got)
	}
	if got := ExpectedEvidenceCount(false, true); got != 2 {
		t.Errorf("same-directory pair: expected 2 votes, got %d", got)
	}
	if got := ExpectedEvidenceCount(false, false); got != 1 {
		t.Errorf("cross-directory pair: expected 1 vote, got %d", got)
	}
}

func TestRunManifest_LookupExpectedCount(t *testing.T) {
	m := &RunManifest{
		RelationshipEvidenceMap: map[string]int{"rel-hash": 5},
		FilePairEvidenceMap:     map[string]int{"pair-hash": 2},
		DefaultEvidenceCount:    1,
	}

	if got := m.LookupExpectedCount("rel-hash", "pair-hash"); got != 5 {
		t.Errorf("per-hash entry must win over the file-pair entry, got %d", got)
	}
	if got := m.LookupExpectedCount("missing", "pair-hash"); got != 2 {
		t.Errorf("file-pair fallback expected 2, got %d", got)
	}
	if got := m.LookupExpectedCount("missing", "also-missing"); got != 1 {
		t.Errorf("default fallback expected 1, got %d", got)
	}
}

func TestRelationshipStatus_IsTerminal(t *testing.T) {
	if RelationshipStatusPendingValidation.IsTerminal() {
		t.Error("PENDING_VALIDATION must be the only non-terminal status")
	}
	for _, s := range []RelationshipStatus{RelationshipStatusValidated, RelationshipStatusRejected, RelationshipStatusConflict} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestRunStatus_ExitCode(t *testing.T) {
	if RunStatusSuccess.ExitCode() != 0 || RunStatusFailed.ExitCode() != 1 || RunStatusPartial.ExitCode() != 2 {
		t.Errorf("exit codes: got %d/%d/%d, want 0/1/2",
			RunStatusSuccess.ExitCode(), RunStatusFailed.ExitCode(), RunStatusPartial.ExitCode())
	}
}
