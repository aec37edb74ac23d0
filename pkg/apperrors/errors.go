package apperrors

import "errors"

// Expected, well-understood conditions that callers branch on directly.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")

	// ErrManifestExists is returned when Scout attempts to write a manifest
	// for a run that already has one. A run produces exactly one manifest.
	ErrManifestExists = errors.New("run manifest already exists")

	// ErrManifestMissing is returned when a component looks up manifest:{runId}
	// before Scout has written it. This is a logical-inconsistency failure,
	// not a transient one.
	ErrManifestMissing = errors.New("run manifest missing")

	// ErrRelationshipHashUnknown is returned when ReconciliationWorker is asked
	// to reconcile a hash with zero evidence rows in RS.
	ErrRelationshipHashUnknown = errors.New("relationship hash has no evidence")

	// ErrQueueNotAllowed is returned when code attempts to enqueue onto a
	// queue name outside the fixed allow-list.
	ErrQueueNotAllowed = errors.New("queue name not in allow-list")

	// ErrPathOutsideRoot is returned when a file-analysis job's path resolves
	// outside the run root. Permanent, non-retryable.
	ErrPathOutsideRoot = errors.New("file path resolves outside run root")

	// ErrDuplicateQualifiedName is returned when Scout or FileAnalysisWorker
	// would violate the (run_id, qualified_name) uniqueness invariant on pois.
	ErrDuplicateQualifiedName = errors.New("duplicate qualified name within run")
)
