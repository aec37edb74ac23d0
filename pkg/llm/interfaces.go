// Package llm provides the LLM clients used by each analysis pass of the
// pipeline: file-level extraction, directory-level aggregation, and
// per-POI relationship resolution.
package llm

import (
	"context"
	"encoding/json"

	"github.com/coglabs/ctengine/pkg/jsonutil"
)

// FileAnalysisResult is what AnalyzeFile returns: the POIs and candidate
// relationships FileAnalysisWorker extracted from one file's content.
type FileAnalysisResult struct {
	POIs             []POIHint             `json:"pois"`
	Relationships    []RelationshipHint    `json:"relationships"`
	PromptTokens     int                    `json:"-"`
	CompletionTokens int                    `json:"-"`
}

// POIHint is a raw LLM-extracted point of interest, before it is persisted
// and assigned a stable ID.
type POIHint struct {
	QualifiedName string `json:"qualifiedName"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	StartLine     int    `json:"startLine"`
	EndLine       int    `json:"endLine"`
}

// UnmarshalJSON tolerates LLM output that puts a number or boolean where a
// string belongs (a function literally named "404", a kind emitted as a
// bare number), coercing those fields instead of failing the whole
// response and forcing a fallback extraction.
func (p *POIHint) UnmarshalJSON(data []byte) error {
	var raw struct {
		QualifiedName json.RawMessage `json:"qualifiedName"`
		Name          json.RawMessage `json:"name"`
		Kind          json.RawMessage `json:"kind"`
		StartLine     int             `json:"startLine"`
		EndLine       int             `json:"endLine"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.QualifiedName = jsonutil.FlexibleStringValue(raw.QualifiedName)
	p.Name = jsonutil.FlexibleStringValue(raw.Name)
	p.Kind = jsonutil.FlexibleStringValue(raw.Kind)
	p.StartLine = raw.StartLine
	p.EndLine = raw.EndLine
	return nil
}

// RelationshipHint is a raw LLM-asserted relationship between two
// qualified names, along with the LLM's own confidence, if it reported one.
type RelationshipHint struct {
	SourceQualifiedName string   `json:"sourceQualifiedName"`
	TargetQualifiedName string   `json:"targetQualifiedName"`
	Type                string   `json:"type"`
	Probability         *float64 `json:"probability,omitempty"`
	Reasoning           string   `json:"reasoning,omitempty"`
}

// UnmarshalJSON applies the same string coercion as POIHint's.
func (r *RelationshipHint) UnmarshalJSON(data []byte) error {
	var raw struct {
		SourceQualifiedName json.RawMessage `json:"sourceQualifiedName"`
		TargetQualifiedName json.RawMessage `json:"targetQualifiedName"`
		Type                json.RawMessage `json:"type"`
		Probability         *float64        `json:"probability"`
		Reasoning           json.RawMessage `json:"reasoning"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.SourceQualifiedName = jsonutil.FlexibleStringValue(raw.SourceQualifiedName)
	r.TargetQualifiedName = jsonutil.FlexibleStringValue(raw.TargetQualifiedName)
	r.Type = jsonutil.FlexibleStringValue(raw.Type)
	r.Probability = raw.Probability
	r.Reasoning = jsonutil.FlexibleStringValue(raw.Reasoning)
	return nil
}

// DirectoryAnalysisResult is what AnalyzeDirectory returns: relationships
// DirectoryResolutionWorker asserts between POIs that live in the same
// directory but different files, informed by the directory's aggregated
// file-level findings.
type DirectoryAnalysisResult struct {
	Relationships    []RelationshipHint
	PromptTokens     int
	CompletionTokens int
}

// POIAnalysisResult is what AnalyzePOI returns: relationships
// RelationshipResolutionWorker asserts for a single source POI against
// a candidate set of target POIs drawn from across the whole run.
type POIAnalysisResult struct {
	Relationships    []RelationshipHint
	PromptTokens     int
	CompletionTokens int
}

// AnalysisClient is the capability every pipeline worker depends on instead
// of a generic chat-completion client: one method per analysis pass, each
// returning pass-specific structured data rather than raw text.
type AnalysisClient interface {
	// AnalyzeFile runs the file-level extraction pass over one file's
	// content, returning the POIs and in-file relationships it finds.
	AnalyzeFile(ctx context.Context, path, language, content string) (*FileAnalysisResult, error)

	// AnalyzeDirectory runs the directory-level aggregation pass,
	// correlating the file-level findings already recorded for every file
	// in a directory against each other.
	AnalyzeDirectory(ctx context.Context, directory string, fileFindings []FileAnalysisResult) (*DirectoryAnalysisResult, error)

	// AnalyzePOI runs the per-POI fan-out pass: given one source POI and a
	// candidate set of target POIs (typically the rest of the run's POIs
	// sharing a name or import edge), returns any relationships it finds.
	AnalyzePOI(ctx context.Context, source POIHint, candidates []POIHint) (*POIAnalysisResult, error)

	// Model returns the configured model name, for logging and incident context.
	Model() string

	// Endpoint returns the configured endpoint, for logging and incident context.
	Endpoint() string
}
