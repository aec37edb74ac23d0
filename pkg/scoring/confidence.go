// Package scoring implements the pure confidence-scoring algebra that
// ReconciliationWorker applies to a relationship's accumulated evidence.
// Every function here is side-effect free and order-sensitive: scores are
// folded over evidence in a single pass, not averaged.
package scoring

import "github.com/coglabs/ctengine/pkg/models"

const (
	defaultScore       = 0.5
	agreementBoostRate = 0.2
	disagreementPenaltyRate = 0.5
)

// getInitialScoreFromLlm clamps an LLM-reported probability into [0, 1],
// defaulting to 0.5 when the LLM did not report one.
func getInitialScoreFromLlm(llmProbability *float64) float64 {
	if llmProbability == nil {
		return defaultScore
	}
	p := *llmProbability
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Result is the outcome of folding a relationship's evidence into a single
// confidence score.
type Result struct {
	Score       float64
	HasConflict bool
}

// CalculateFinalScore folds evidence in order, starting from the first
// vote's LLM-reported probability (or 0.5 if none was reported), and
// applying an agreement boost or disagreement penalty for every vote after
// the first:
//
//	agree:    score = score + (1 - score) * 0.2
//	disagree: score = score * 0.5
//
// the running score is clamped to [0, 1] after every step. hasConflict is
// true iff evidence contains at least one AGREE and at least one DISAGREE
// vote, regardless of where the score ends up.
func CalculateFinalScore(evidence []models.RelationshipEvidence) Result {
	if len(evidence) == 0 {
		// No evidence means no basis for confidence at all, not "undecided":
		// a hash that somehow reaches reconciliation with zero votes scores
		// 0 and is rejected rather than hovering at the default.
		return Result{Score: 0, HasConflict: false}
	}

	score := getInitialScoreFromLlm(evidence[0].LLMProbability)
	score = clamp(score)

	agreeCount := 0
	disagreeCount := 0
	if evidence[0].Vote == models.EvidenceVoteAgree {
		agreeCount++
	} else {
		disagreeCount++
	}

	for _, e := range evidence[1:] {
		switch e.Vote {
		case models.EvidenceVoteAgree:
			agreeCount++
			score = score + (1-score)*agreementBoostRate
		case models.EvidenceVoteDisagree:
			disagreeCount++
			score = score * disagreementPenaltyRate
		}
		score = clamp(score)
	}

	return Result{
		Score:       score,
		HasConflict: agreeCount > 0 && disagreeCount > 0,
	}
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
