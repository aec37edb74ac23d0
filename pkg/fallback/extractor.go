// Package fallback provides a regex-based point-of-interest extractor used
// when an LLM call for a file permanently fails: FileAnalysisWorker falls
// back to this so a file still contributes minimal POIs to the graph rather
// than being silently dropped.
package fallback

import (
	"regexp"

	"github.com/coglabs/ctengine/pkg/models"
)

// Hint is one candidate POI the regex pass surfaces: a name, a kind guess,
// and the line it appeared on. It is deliberately coarse — the fallback
// extractor trades precision for always producing something.
type Hint struct {
	Name      string
	Kind      models.POIKind
	StartLine int
}

// Extractor pulls coarse POI hints out of raw file content without calling
// an LLM.
type Extractor interface {
	Extract(content string, language string) []Hint
}

var (
	goFuncRe      = regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	goTypeRe      = regexp.MustCompile(`(?m)^type\s+([A-Za-z_][A-Za-z0-9_]*)\s+(?:struct|interface)\b`)
	pyDefRe       = regexp.MustCompile(`(?m)^(?:\s*)def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	pyClassRe     = regexp.MustCompile(`(?m)^class\s+([A-Za-z_][A-Za-z0-9_]*)\s*[:(]`)
	jsFuncRe      = regexp.MustCompile(`(?m)^(?:export\s+)?(?:async\s+)?function\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`)
	jsClassRe     = regexp.MustCompile(`(?m)^(?:export\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)\b`)
	importLineRe  = regexp.MustCompile(`(?m)^\s*(?:import|require)\s*\(?["']?([A-Za-z0-9_./@-]+)["']?\)?`)
)

// BasicExtractor applies a small, language-keyed set of regex patterns
// over raw file content. It never errors — a file that matches nothing
// simply yields no hints, and the caller still records the file itself.
type BasicExtractor struct{}

// NewBasicExtractor returns the default Extractor.
func NewBasicExtractor() *BasicExtractor {
	return &BasicExtractor{}
}

var _ Extractor = (*BasicExtractor)(nil)

// Extract scans content for function/type/class declarations appropriate to
// language, plus a best-effort import line scan shared across languages.
func (e *BasicExtractor) Extract(content string, language string) []Hint {
	var hints []Hint

	switch language {
	case "go":
		hints = append(hints, matchAll(content, goFuncRe, models.POIKindFunction)...)
		hints = append(hints, matchAll(content, goTypeRe, models.POIKindClass)...)
	case "python":
		hints = append(hints, matchAll(content, pyDefRe, models.POIKindFunction)...)
		hints = append(hints, matchAll(content, pyClassRe, models.POIKindClass)...)
	case "javascript", "typescript":
		hints = append(hints, matchAll(content, jsFuncRe, models.POIKindFunction)...)
		hints = append(hints, matchAll(content, jsClassRe, models.POIKindClass)...)
	default:
		// Unknown language: try every pattern, best effort.
		for _, re := range []*regexp.Regexp{goFuncRe, goTypeRe, pyDefRe, pyClassRe, jsFuncRe, jsClassRe} {
			hints = append(hints, matchAll(content, re, models.POIKindFunction)...)
		}
	}

	hints = append(hints, matchAll(content, importLineRe, models.POIKindOther)...)
	return hints
}

func matchAll(content string, re *regexp.Regexp, kind models.POIKind) []Hint {
	var hints []Hint
	matches := re.FindAllStringSubmatchIndex(content, -1)
	for _, m := range matches {
		if len(m) < 4 {
			continue
		}
		name := content[m[2]:m[3]]
		line := 1 + countNewlines(content[:m[0]])
		hints = append(hints, Hint{Name: name, Kind: kind, StartLine: line})
	}
	return hints
}

func countNewlines(s string) int {
	n := 0
	for _, c := range s {
		if c == '\n' {
			n++
		}
	}
	return n
}
