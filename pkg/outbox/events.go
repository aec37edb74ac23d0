// Package outbox implements the transactional outbox pattern that bridges
// RS-committed analysis findings to Q emissions. The publisher
// is the sole writer that transitions an outbox row out of PENDING; every
// worker that produces findings only ever inserts new PENDING rows, in the
// same transaction as the RS state that justified them.
package outbox

// Event type names, stored in outbox.queue_name, that TransactionalOutboxPublisher
// switches on to decide how to fan a row out onto Q.
const (
	EventFileAnalysisFinding         = "file-analysis-finding"
	EventDirectoryAnalysisFinding    = "directory-analysis-finding"
	EventRelationshipAnalysisFinding = "relationship-analysis-finding"
)

// POIFinding is one point of interest FileAnalysisWorker persisted for a
// file, carried in its outbox event so TOP can fan out one
// relationship-resolution job per POI.
type POIFinding struct {
	POIID         string `json:"poiId"`
	QualifiedName string `json:"qualifiedName"`
}

// RelationshipFinding is one piece of evidence about a candidate
// relationship, as reported by whichever worker produced it.
type RelationshipFinding struct {
	RelationshipHash    string  `json:"relationshipHash"`
	SourceQualifiedName string  `json:"sourceQualifiedName"`
	TargetQualifiedName string  `json:"targetQualifiedName"`
	SourceFileID        string  `json:"sourceFileId"`
	TargetFileID        string  `json:"targetFileId"`
	Type                string  `json:"type"`
	FoundRelationship   bool    `json:"foundRelationship"`
	InitialScore        float64 `json:"initialScore"`
}

// FileAnalysisFinding is the payload of an EventFileAnalysisFinding row:
// every POI and intra-file relationship FileAnalysisWorker extracted from
// one file.
type FileAnalysisFinding struct {
	FileID        string                 `json:"fileId"`
	Directory     string                 `json:"directory"`
	POIs          []POIFinding           `json:"pois"`
	Relationships []RelationshipFinding  `json:"relationships"`
	SourceWorker  string                 `json:"sourceWorker"`
}

// DirectoryAnalysisFinding is the payload of an EventDirectoryAnalysisFinding
// row: DirectoryResolutionWorker's re-evaluation of every relationship in a
// directory's scope.
type DirectoryAnalysisFinding struct {
	Directory     string                 `json:"directory"`
	Relationships []RelationshipFinding  `json:"relationships"`
	SourceWorker  string                 `json:"sourceWorker"`
}

// RelationshipAnalysisFinding is the payload of an
// EventRelationshipAnalysisFinding row: RelationshipResolutionWorker's
// per-POI fan-out findings.
type RelationshipAnalysisFinding struct {
	SourcePOIID   string                 `json:"sourcePoiId"`
	Relationships []RelationshipFinding  `json:"relationships"`
	SourceWorker  string                 `json:"sourceWorker"`
}
