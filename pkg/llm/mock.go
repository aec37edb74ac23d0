package llm

import "context"

// MockAnalysisClient is a configurable AnalysisClient double for worker unit
// tests: each method delegates to the corresponding func field if set, or
// returns a zero-value empty result.
type MockAnalysisClient struct {
	AnalyzeFileFunc      func(ctx context.Context, path, language, content string) (*FileAnalysisResult, error)
	AnalyzeDirectoryFunc func(ctx context.Context, directory string, fileFindings []FileAnalysisResult) (*DirectoryAnalysisResult, error)
	AnalyzePOIFunc       func(ctx context.Context, source POIHint, candidates []POIHint) (*POIAnalysisResult, error)
	ModelName            string
	EndpointURL          string
}

var _ AnalysisClient = (*MockAnalysisClient)(nil)

func (m *MockAnalysisClient) AnalyzeFile(ctx context.Context, path, language, content string) (*FileAnalysisResult, error) {
	if m.AnalyzeFileFunc != nil {
		return m.AnalyzeFileFunc(ctx, path, language, content)
	}
	return &FileAnalysisResult{}, nil
}

func (m *MockAnalysisClient) AnalyzeDirectory(ctx context.Context, directory string, fileFindings []FileAnalysisResult) (*DirectoryAnalysisResult, error) {
	if m.AnalyzeDirectoryFunc != nil {
		return m.AnalyzeDirectoryFunc(ctx, directory, fileFindings)
	}
	return &DirectoryAnalysisResult{}, nil
}

func (m *MockAnalysisClient) AnalyzePOI(ctx context.Context, source POIHint, candidates []POIHint) (*POIAnalysisResult, error) {
	if m.AnalyzePOIFunc != nil {
		return m.AnalyzePOIFunc(ctx, source, candidates)
	}
	return &POIAnalysisResult{}, nil
}

func (m *MockAnalysisClient) Model() string {
	if m.ModelName != "" {
		return m.ModelName
	}
	return "mock-model"
}

func (m *MockAnalysisClient) Endpoint() string {
	if m.EndpointURL != "" {
		return m.EndpointURL
	}
	return "mock://llm"
}
