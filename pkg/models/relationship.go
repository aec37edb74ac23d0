package models

import "time"

// RelationshipStatus is the one-way status lattice a candidate relationship
// moves through: PENDING_VALIDATION is the only non-terminal state.
type RelationshipStatus string

const (
	RelationshipStatusPendingValidation RelationshipStatus = "PENDING_VALIDATION"
	RelationshipStatusValidated         RelationshipStatus = "VALIDATED"
	RelationshipStatusRejected          RelationshipStatus = "REJECTED"
	RelationshipStatusConflict          RelationshipStatus = "CONFLICT"
)

// ValidRelationshipStatusValues lists every value RelationshipStatus may take.
var ValidRelationshipStatusValues = []RelationshipStatus{
	RelationshipStatusPendingValidation,
	RelationshipStatusValidated,
	RelationshipStatusRejected,
	RelationshipStatusConflict,
}

// IsValidRelationshipStatus reports whether s is one of ValidRelationshipStatusValues.
func IsValidRelationshipStatus(s RelationshipStatus) bool {
	for _, v := range ValidRelationshipStatusValues {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a terminal state. Only PENDING_VALIDATION
// is non-terminal; every other status is a one-way destination.
func (s RelationshipStatus) IsTerminal() bool {
	return s != RelationshipStatusPendingValidation
}

// RelationshipType enumerates the edge types workers can assert between
// two POIs.
type RelationshipType string

const (
	RelationshipTypeCalls   RelationshipType = "CALLS"
	RelationshipTypeImports RelationshipType = "IMPORTS"
	RelationshipTypeExports RelationshipType = "EXPORTS"
	RelationshipTypeExtends RelationshipType = "EXTENDS"
	RelationshipTypeContains RelationshipType = "CONTAINS"
	RelationshipTypeUses    RelationshipType = "USES"
)

// ValidRelationshipTypeValues lists every value RelationshipType may take.
var ValidRelationshipTypeValues = []RelationshipType{
	RelationshipTypeCalls, RelationshipTypeImports, RelationshipTypeExports,
	RelationshipTypeExtends, RelationshipTypeContains, RelationshipTypeUses,
}

// IsValidRelationshipType reports whether t is one of ValidRelationshipTypeValues.
func IsValidRelationshipType(t RelationshipType) bool {
	for _, v := range ValidRelationshipTypeValues {
		if v == t {
			return true
		}
	}
	return false
}

// ParseStatus records whether a relationship came from a clean LLM parse or
// from the regex fallback after the LLM response proved unusable.
type ParseStatus string

const (
	ParseStatusLLMSuccess      ParseStatus = "LLM_SUCCESS"
	ParseStatusUnreliableParse ParseStatus = "UNRELIABLE_PARSE"
)

// Relationship is one candidate (or reconciled) relationship between two POIs.
type Relationship struct {
	ID                string
	RunID             string
	RelationshipHash  string
	SourcePOIID       string
	TargetPOIID       string
	Type              RelationshipType
	Status            RelationshipStatus
	ParseStatus       ParseStatus
	ConfidenceScore   float64
	HasConflict       bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ParseStatusOrDefault returns the parse status, defaulting to LLM_SUCCESS
// for callers that never touched the fallback path.
func (r *Relationship) ParseStatusOrDefault() ParseStatus {
	if r.ParseStatus == "" {
		return ParseStatusLLMSuccess
	}
	return r.ParseStatus
}
