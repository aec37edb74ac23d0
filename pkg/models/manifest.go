package models

// RunManifest is the single record Scout writes once per run (KV key
// manifest:{runId}), before any worker begins processing. It fixes the
// scope of the run (file count, directory count) and carries the
// precomputed expected-evidence-count map that ValidationWorker and
// ReconciliationWorker use to know when a relationship hash has accumulated
// all the evidence it is ever going to get.
type RunManifest struct {
	RunID          string `json:"runId"`
	RunRoot        string `json:"runRoot"`
	FileCount      int    `json:"fileCount"`
	DirectoryCount int    `json:"directoryCount"`

	// FileAnalysisJobIDs, DirectoryJobIDs, and GlobalResolutionJobID together
	// form the job graph the orchestrator polls for terminal state to decide
	// run completion: one file-analysis job per file, one
	// directory-aggregation/resolution job per directory, and one
	// relationship-resolution fan-out scope for the whole run.
	FileAnalysisJobIDs   map[string]string `json:"fileAnalysisJobIds"`   // fileId -> jobId
	DirectoryJobIDs      map[string]string `json:"directoryJobIds"`      // directory -> jobId
	GlobalResolutionJobID string           `json:"globalResolutionJobId"`

	// RelationshipEvidenceMap gives the expected evidence count for a
	// specific relationship hash. Scout leaves it empty by construction
	// (individual POIs are not known before the first analysis pass), but
	// the lookup consults it first so a deployment that precomputes
	// POI-level entries out of band is honored.
	RelationshipEvidenceMap map[string]int `json:"relationshipEvidenceMap,omitempty"`

	// FilePairEvidenceMap gives the expected evidence count for a file-pair
	// hash (see pkg/hashutil.FilePairHash), used by ValidationWorker as a
	// fallback when a relationship hash has no entry of its own yet. Scoped
	// to same-directory file pairs only — see DefaultEvidenceCount for the
	// cross-directory case, which this map deliberately omits to avoid an
	// O(n^2) blowup over all file pairs in a large repository.
	FilePairEvidenceMap map[string]int `json:"filePairEvidenceMap"`

	// DefaultEvidenceCount is the expected evidence count for any file pair
	// not present in FilePairEvidenceMap, i.e. a cross-directory pair.
	DefaultEvidenceCount int `json:"defaultEvidenceCount"`
}

// ExpectedEvidenceCount returns how many evidence votes a relationship
// between two POIs should eventually accumulate, based on which analysis
// passes are structurally capable of observing it:
//
//   - RelationshipResolutionWorker always contributes one vote, via the
//     source POI's fan-out job.
//   - DirectoryResolutionWorker contributes one vote iff the two POIs share
//     a directory.
//   - FileAnalysisWorker's own aggregated finding contributes one vote iff
//     the two POIs share a file (which implies they share a directory).
//
// So same-file relationships expect 3, same-directory-different-file
// relationships expect 2, and cross-directory relationships expect 1.
func ExpectedEvidenceCount(sameFile, sameDirectory bool) int {
	count := 1 // RelationshipResolutionWorker
	if sameDirectory {
		count++
	}
	if sameFile {
		count++
	}
	return count
}

// LookupExpectedCount resolves the expected evidence count for a
// relationship: the per-hash entry when one exists, otherwise the file-pair
// entry, otherwise DefaultEvidenceCount (a pair spanning two directories,
// which the precomputed map deliberately omits).
func (m *RunManifest) LookupExpectedCount(relHash, filePairHash string) int {
	if n, ok := m.RelationshipEvidenceMap[relHash]; ok {
		return n
	}
	if n, ok := m.FilePairEvidenceMap[filePairHash]; ok {
		return n
	}
	return m.DefaultEvidenceCount
}
