package queue

// Names are the fixed set of queues the pipeline enqueues onto, mirroring
// kv.AllowedQueues. Each corresponds to exactly one worker type, except
// DeadLetter, which is the terminal destination for permanently-failed
// jobs from every queue and has no consumer of its own.
const (
	FileAnalysis           = "file-analysis"
	DirectoryAggregation   = "directory-aggregation"
	DirectoryResolution    = "directory-resolution"
	RelationshipResolution = "relationship-resolution"
	AnalysisFindings       = "analysis-findings"
	Reconciliation         = "reconciliation"
	DeadLetter             = "failed-jobs"
)

// All lists every consumable queue name, in pipeline order. DeadLetter is
// deliberately absent: nothing consumes it, it is only inspected.
var All = []string{
	FileAnalysis,
	DirectoryAggregation,
	DirectoryResolution,
	RelationshipResolution,
	AnalysisFindings,
	Reconciliation,
}
