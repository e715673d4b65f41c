package auth

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUntilThreshold(t *testing.T) {
	r := NewRateLimiter()
	base := time.Unix(1000, 0)
	for i := 0; i < rateLimitThreshold; i++ {
		if !r.Allow("bucket", base) {
			t.Fatalf("attempt %d: expected allowed", i)
		}
		r.RecordFailure("bucket", base)
	}
	if r.Allow("bucket", base) {
		t.Fatalf("expected bucket to be tripped after %d failures", rateLimitThreshold)
	}
}

func TestRateLimiterWindowExpires(t *testing.T) {
	r := NewRateLimiter()
	base := time.Unix(1000, 0)
	for i := 0; i < rateLimitThreshold; i++ {
		r.RecordFailure("bucket", base)
	}
	if r.Allow("bucket", base) {
		t.Fatalf("expected tripped immediately after threshold failures")
	}
	later := base.Add(rateLimitWindow + time.Second)
	if !r.Allow("bucket", later) {
		t.Fatalf("expected bucket to recover once window has elapsed")
	}
}

func TestRateLimiterSuccessClearsFailures(t *testing.T) {
	r := NewRateLimiter()
	base := time.Unix(1000, 0)
	for i := 0; i < rateLimitThreshold-1; i++ {
		r.RecordFailure("bucket", base)
	}
	r.RecordSuccess("bucket")
	for i := 0; i < rateLimitThreshold-1; i++ {
		if !r.Allow("bucket", base) {
			t.Fatalf("expected bucket reset after success")
		}
		r.RecordFailure("bucket", base)
	}
}

func TestBucketKeyStripsPrefixAndTruncates(t *testing.T) {
	token := TokenPrefix + "0123456789abcdefXXXXXXXXXXXX"
	if got := BucketKey(token); got != "0123456789abcdef" {
		t.Fatalf("BucketKey = %q", got)
	}
}
