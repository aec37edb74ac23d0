package models

import (
	"path/filepath"
	"strings"
	"time"
)

// POIKind enumerates the point-of-interest categories a file- or
// directory-pass LLM call can emit.
type POIKind string

const (
	POIKindFile       POIKind = "File"
	POIKindClass      POIKind = "Class"
	POIKindFunction   POIKind = "Function"
	POIKindVariable   POIKind = "Variable"
	POIKindTable      POIKind = "Table"
	POIKindEntrypoint POIKind = "Entrypoint"
	POIKindManifest   POIKind = "Manifest"
	POIKindConfig     POIKind = "Config"
	POIKindOther      POIKind = "Other"
)

// ValidPOIKindValues lists every value POIKind may take.
var ValidPOIKindValues = []POIKind{
	POIKindFile, POIKindClass, POIKindFunction, POIKindVariable,
	POIKindTable, POIKindEntrypoint, POIKindManifest, POIKindConfig, POIKindOther,
}

// IsValidPOIKind reports whether k is one of ValidPOIKindValues.
func IsValidPOIKind(k POIKind) bool {
	for _, v := range ValidPOIKindValues {
		if v == k {
			return true
		}
	}
	return false
}

// POISource distinguishes an LLM-extracted POI from one produced by the
// fallback extractor when the LLM call for a file ultimately fails.
type POISource string

const (
	POISourceLLM      POISource = "llm"
	POISourceFallback POISource = "fallback"
)

// FileStatus tracks a file's progress through the analysis pass.
type FileStatus string

const (
	FileStatusPending  FileStatus = "PENDING"
	FileStatusAnalyzed FileStatus = "ANALYZED"
)

// File is one source file discovered by Scout under the run root.
type File struct {
	ID          string
	RunID       string
	Path        string
	Directory   string
	Language    string
	SpecialType string
	ContentHash string
	Status      FileStatus
	CreatedAt   time.Time
}

// languageByExt maps a file extension to the language label carried on the
// file row and into the analysis prompt.
var languageByExt = map[string]string{
	".go": "go", ".py": "python", ".js": "javascript", ".jsx": "javascript",
	".ts": "typescript", ".tsx": "typescript", ".rs": "rust", ".java": "java",
	".rb": "ruby", ".c": "c", ".h": "c", ".cpp": "cpp", ".cs": "csharp",
	".sql": "sql", ".sh": "shell",
}

// DetectLanguage returns the language label for a path by extension, or
// "unknown". Shared by Scout (which records it) and FileAnalysisWorker
// (which feeds it to the prompt) so the two never disagree.
func DetectLanguage(path string) string {
	if lang, ok := languageByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "unknown"
}

// POI is one point of interest extracted from a file. QualifiedName must be
// unique within a run (files.id, qualified_name) — this is the identity a
// relationship's source/target reference.
type POI struct {
	ID             string
	RunID          string
	FileID         string
	QualifiedName  string
	Name           string
	Kind           POIKind
	StartLine      int
	EndLine        int
	Source         POISource
	CreatedAt      time.Time
}
