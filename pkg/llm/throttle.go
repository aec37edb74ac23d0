package llm

import (
	"context"

	"go.uber.org/zap"
)

// ThrottledClient bounds in-flight LLM requests across every worker pool
// with a single semaphore, independent of per-queue worker concurrency:
// a hundred file workers may be runnable while only four LLM calls are
// actually on the wire. A shared circuit breaker sits behind the semaphore
// so a flapping endpoint trips once for the whole process instead of once
// per worker.
type ThrottledClient struct {
	inner   AnalysisClient
	sem     chan struct{}
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewThrottledClient wraps inner with a semaphore of size concurrency and
// the given circuit breaker. breaker may be nil to disable circuit breaking.
func NewThrottledClient(inner AnalysisClient, concurrency int, breaker *CircuitBreaker, logger *zap.Logger) *ThrottledClient {
	if concurrency < 1 {
		concurrency = 4
	}
	return &ThrottledClient{
		inner:   inner,
		sem:     make(chan struct{}, concurrency),
		breaker: breaker,
		logger:  logger.Named("llm-throttle"),
	}
}

var _ AnalysisClient = (*ThrottledClient)(nil)

// acquire takes a free semaphore slot at once, even if ctx is already
// canceled; otherwise it blocks until a slot frees or ctx is canceled. It
// then consults the circuit breaker. The breaker check happens after the
// slot is held so that a tripped circuit rejects exactly the calls that
// would otherwise have gone on the wire.
func (t *ThrottledClient) acquire(ctx context.Context) (func(error), error) {
	select {
	case t.sem <- struct{}{}:
	default:
		select {
		case t.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, NewError(ErrorTypeEndpoint, "canceled waiting for llm slot", true, ctx.Err())
		}
	}

	if t.breaker != nil {
		if allowed, err := t.breaker.Allow(); !allowed {
			<-t.sem
			return nil, NewError(ErrorTypeRateLimited, "llm circuit open", true, err)
		}
	}

	release := func(callErr error) {
		<-t.sem
		if t.breaker == nil {
			return
		}
		if callErr != nil {
			t.breaker.RecordFailure()
			if t.breaker.State() == CircuitOpen {
				t.logger.Warn("llm circuit tripped open",
					zap.Int("consecutiveFailures", t.breaker.ConsecutiveFailures()))
			}
		} else {
			t.breaker.RecordSuccess()
		}
	}
	return release, nil
}

// AnalyzeFile implements AnalysisClient.
func (t *ThrottledClient) AnalyzeFile(ctx context.Context, path, language, content string) (*FileAnalysisResult, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	result, err := t.inner.AnalyzeFile(ctx, path, language, content)
	release(err)
	return result, err
}

// AnalyzeDirectory implements AnalysisClient.
func (t *ThrottledClient) AnalyzeDirectory(ctx context.Context, directory string, fileFindings []FileAnalysisResult) (*DirectoryAnalysisResult, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	result, err := t.inner.AnalyzeDirectory(ctx, directory, fileFindings)
	release(err)
	return result, err
}

// AnalyzePOI implements AnalysisClient.
func (t *ThrottledClient) AnalyzePOI(ctx context.Context, source POIHint, candidates []POIHint) (*POIAnalysisResult, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	result, err := t.inner.AnalyzePOI(ctx, source, candidates)
	release(err)
	return result, err
}

// Model implements AnalysisClient.
func (t *ThrottledClient) Model() string { return t.inner.Model() }

// Endpoint implements AnalysisClient.
func (t *ThrottledClient) Endpoint() string { return t.inner.Endpoint() }
