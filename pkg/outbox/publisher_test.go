package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestIsTransientPublishError_SeesThroughWrapping(t *testing.T) {
	// Queue-level errors always arrive wrapped at least twice: once by the
	// queue ("lpush: ...") and once by the fan-out ("enqueue ... for poi x").
	connRefused := fmt.Errorf("enqueue relationship-resolution job for poi p1: %w",
		fmt.Errorf("lpush: %w", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")))
	if !isTransientPublishError(connRefused) {
		t.Error("wrapped connection-refused must classify as transient")
	}

	closed := fmt.Errorf("enqueue analysis-findings job for h1: %w",
		fmt.Errorf("lpush: %w", redis.ErrClosed))
	if !isTransientPublishError(closed) {
		t.Error("wrapped redis.ErrClosed must classify as transient")
	}

	canceled := fmt.Errorf("lpush: %w", context.Canceled)
	if !isTransientPublishError(canceled) {
		t.Error("wrapped context cancellation must classify as transient, not mark the row FAILED")
	}

	if isTransientPublishError(fmt.Errorf("unknown outbox event type %q", "bogus")) {
		t.Error("a malformed-payload error must not classify as transient")
	}
	if isTransientPublishError(errors.New("decode file-analysis-finding: invalid character 'x'")) {
		t.Error("a decode error must not classify as transient")
	}
}

func TestFailureReason_TruncatesAndScrubsInjectionShapedContent(t *testing.T) {
	long := errors.New(strings.Repeat("a", 2*maxFailureReasonLength))
	if got := failureReason(long); len(got) > maxFailureReasonLength+10 {
		t.Errorf("expected reason bounded near %d bytes, got %d", maxFailureReasonLength, len(got))
	}

	// The canonical payload libinjection is documented to flag; a decode
	// error quoting it must not land verbatim in the audit trail.
	injection := errors.New("'; DROP TABLE pois--")
	got := failureReason(injection)
	if strings.Contains(got, "DROP TABLE") {
		t.Errorf("expected injection-shaped fragment withheld from the audit trail, got %q", got)
	}
}
