package models

import "time"

// EvidenceVote is one worker's opinion on a candidate relationship: either
// it independently re-derived the same relationship (AGREE) or it looked at
// the same POI pair and found no such relationship (DISAGREE).
type EvidenceVote string

const (
	EvidenceVoteAgree    EvidenceVote = "AGREE"
	EvidenceVoteDisagree EvidenceVote = "DISAGREE"
)

// ValidEvidenceVoteValues lists every value EvidenceVote may take.
var ValidEvidenceVoteValues = []EvidenceVote{EvidenceVoteAgree, EvidenceVoteDisagree}

// IsValidEvidenceVote reports whether v is one of ValidEvidenceVoteValues.
func IsValidEvidenceVote(v EvidenceVote) bool {
	return v == EvidenceVoteAgree || v == EvidenceVoteDisagree
}

// RelationshipEvidence is one worker's vote on a relationship hash, recorded
// by ValidationWorker as it observes FileAnalysis, DirectoryResolution, and
// RelationshipResolution findings converge (or not) on the same hash.
type RelationshipEvidence struct {
	ID                int64
	RunID             string
	RelationshipHash  string
	SourceWorker      string
	Vote              EvidenceVote
	LLMProbability    *float64
	ReasoningSnippet  string
	CreatedAt         time.Time
}
