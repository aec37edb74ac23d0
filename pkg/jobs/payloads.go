// Package jobs defines the payload shapes carried on queue.Task.Payload for
// each of the pipeline's six job types. Scout is the sole producer of
// file-analysis and directory-aggregation jobs. The TransactionalOutboxPublisher
// fans out relationship-resolution and analysis-findings jobs;
// DirectoryAggregationWorker enqueues directory-resolution jobs and
// ValidationWorker enqueues reconciliation jobs directly.
package jobs

// FileAnalysisPayload is enqueued once per discovered file by Scout.
type FileAnalysisPayload struct {
	FileID    string `json:"fileId"`
	Path      string `json:"path"`
	Directory string `json:"directory"`
}

// DirectoryAggregationPayload is enqueued once per directory by Scout,
// telling DirectoryAggregationWorker how many file-analysis findings it
// must see before the directory's pass can run.
type DirectoryAggregationPayload struct {
	Directory     string `json:"directory"`
	ExpectedFiles int    `json:"expectedFiles"`
}

// DirectoryResolutionPayload is enqueued by DirectoryAggregationWorker once
// a directory's aggregation counter closes.
type DirectoryResolutionPayload struct {
	Directory string   `json:"directory"`
	FileIDs   []string `json:"fileIds"`
}

// RelationshipResolutionPayload is enqueued by TOP as part of its per-POI
// fan-out, one job per source POI extracted from a file.
type RelationshipResolutionPayload struct {
	SourcePOIID string `json:"sourcePoiId"`
}

// ValidationPayload is enqueued by TOP whenever a worker records one piece
// of evidence about a candidate relationship.
type ValidationPayload struct {
	RelationshipHash    string  `json:"relationshipHash"`
	SourceQualifiedName string  `json:"sourceQualifiedName"`
	TargetQualifiedName string  `json:"targetQualifiedName"`
	SourceFileID        string  `json:"sourceFileId"`
	TargetFileID        string  `json:"targetFileId"`
	Type                string  `json:"type"`
	FoundRelationship   bool    `json:"foundRelationship"`
	InitialScore        float64 `json:"initialScore"`
	SourceWorker        string  `json:"sourceWorker"`
}

// ReconciliationPayload is enqueued by ValidationWorker once a
// relationship hash's evidence counter reaches its expected count.
type ReconciliationPayload struct {
	RelationshipHash string `json:"relationshipHash"`
}
