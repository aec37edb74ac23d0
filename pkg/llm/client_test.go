package llm

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewClient_RequiresEndpointAndModel(t *testing.T) {
	logger := zap.NewNop()

	if _, err := NewClient(&Config{Model: "m"}, logger); err == nil {
		t.Error("expected error when endpoint is missing")
	}
	if _, err := NewClient(&Config{Endpoint: "http://localhost:8000/v1"}, logger); err == nil {
		t.Error("expected error when model is missing")
	}
	c, err := NewClient(&Config{Endpoint: "http://localhost:8000/v1", Model: "qwen"}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Model() != "qwen" {
		t.Errorf("expected model qwen, got %s", c.Model())
	}
	if c.Endpoint() != "http://localhost:8000/v1" {
		t.Errorf("expected endpoint echoed back, got %s", c.Endpoint())
	}
}

func TestBuildFileAnalysisPrompt_IncludesPathAndContent(t *testing.T) {
	prompt := buildFileAnalysisPrompt("pkg/foo/foo.go", "go", "func Foo() {}")
	if !strings.Contains(prompt, "pkg/foo/foo.go") {
		t.Error("expected prompt to reference the file path")
	}
	if !strings.Contains(prompt, "func Foo() {}") {
		t.Error("expected prompt to include file content")
	}
	if !strings.Contains(prompt, "<file-content>") || !strings.Contains(prompt, "</file-content>") {
		t.Error("expected file content to be wrapped in its data delimiters")
	}
}

func TestBuildDirectoryAnalysisPrompt_IncludesFindings(t *testing.T) {
	findings := []FileAnalysisResult{
		{
			POIs: []POIHint{{QualifiedName: "pkg/a.Foo", Kind: "function"}},
			Relationships: []RelationshipHint{
				{SourceQualifiedName: "pkg/a.Foo", TargetQualifiedName: "pkg/a.Bar", Type: "calls"},
			},
		},
	}
	prompt := buildDirectoryAnalysisPrompt("pkg/a", findings)
	if !strings.Contains(prompt, "pkg/a.Foo") {
		t.Error("expected prompt to include POI qualified name")
	}
	if !strings.Contains(prompt, "calls") {
		t.Error("expected prompt to include relationship type")
	}
}

func TestBuildPOIAnalysisPrompt_IncludesSourceAndCandidates(t *testing.T) {
	source := POIHint{QualifiedName: "pkg/a.Foo", Kind: "function"}
	candidates := []POIHint{{QualifiedName: "pkg/b.Bar", Kind: "function"}}
	prompt := buildPOIAnalysisPrompt(source, candidates)
	if !strings.Contains(prompt, "pkg/a.Foo") {
		t.Error("expected prompt to include source")
	}
	if !strings.Contains(prompt, "pkg/b.Bar") {
		t.Error("expected prompt to include candidate")
	}
}
