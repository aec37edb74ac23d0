package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func TestClassifyError_Nil(t *testing.T) {
	if ClassifyError(nil) != nil {
		t.Fatal("expected nil")
	}
}

func TestClassifyError_AlreadyClassified(t *testing.T) {
	original := NewError(ErrorTypeAuth, "bad key", false, nil)
	got := ClassifyError(original)
	if got != original {
		t.Fatalf("expected same instance back, got %v", got)
	}
}

func TestClassifyError_OpenAIRequestErrorWithNilErr(t *testing.T) {
	// openai.RequestError.Error() panics/produces garbage when Err is nil;
	// classifyRequestError must not call it.
	reqErr := &openai.RequestError{HTTPStatusCode: 503, HTTPStatus: "Service Unavailable", Err: nil}
	got := ClassifyError(reqErr)
	if got.Type != ErrorTypeEndpoint {
		t.Errorf("expected endpoint error, got %s", got.Type)
	}
	if !got.Retryable {
		t.Error("expected 5xx to be retryable")
	}
}

func TestClassifyError_OpenAIRateLimited(t *testing.T) {
	reqErr := &openai.RequestError{HTTPStatusCode: 429, Body: []byte("rate limit exceeded")}
	got := ClassifyError(reqErr)
	if got.Type != ErrorTypeRateLimited {
		t.Errorf("expected rate limited, got %s", got.Type)
	}
	if !got.Retryable {
		t.Error("expected rate limit to be retryable")
	}
}

func TestClassifyError_ConnectionRefused(t *testing.T) {
	err := errors.New("dial tcp: connection refused")
	got := ClassifyError(err)
	if got.Type != ErrorTypeEndpoint || !got.Retryable {
		t.Errorf("expected retryable endpoint error, got %+v", got)
	}
}

func TestClassifyError_Unauthorized(t *testing.T) {
	err := errors.New("401 unauthorized: invalid api key")
	got := ClassifyError(err)
	if got.Type != ErrorTypeAuth {
		t.Errorf("expected auth error, got %s", got.Type)
	}
	if got.Retryable {
		t.Error("auth errors must not be retryable")
	}
}

func TestClassifyError_ModelNotFound(t *testing.T) {
	err := errors.New("model 'gpt-9000' does not exist")
	got := ClassifyError(err)
	if got.Type != ErrorTypeModel {
		t.Errorf("expected model error, got %s", got.Type)
	}
}

func TestClassifyError_Unknown(t *testing.T) {
	err := errors.New("something inexplicable happened")
	got := ClassifyError(err)
	if got.Type != ErrorTypeUnknown {
		t.Errorf("expected unknown error type, got %s", got.Type)
	}
}

func TestError_ErrorString(t *testing.T) {
	e := NewErrorWithContext(ErrorTypeEndpoint, "boom", true, fmt.Errorf("cause"), "my-model", "https://host.example/v1", 503)
	s := e.Error()
	if s == "" {
		t.Fatal("expected non-empty error string")
	}
}

func TestError_IsRetryable(t *testing.T) {
	retryable := NewError(ErrorTypeEndpoint, "x", true, nil)
	if !IsRetryable(retryable) {
		t.Error("expected retryable")
	}
	notRetryable := NewError(ErrorTypeAuth, "x", false, nil)
	if IsRetryable(notRetryable) {
		t.Error("expected not retryable")
	}
}

func TestGetErrorType(t *testing.T) {
	err := NewError(ErrorTypeModel, "x", false, nil)
	if GetErrorType(err) != ErrorTypeModel {
		t.Errorf("expected model type, got %s", GetErrorType(err))
	}
	if GetErrorType(errors.New("plain")) != ErrorTypeUnknown {
		t.Error("expected unknown for unclassified error")
	}
}
