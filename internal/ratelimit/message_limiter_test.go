package ratelimit

import (
	"testing"
	"time"
)

func TestMessageLimiterAllowsWithinBurst(t *testing.T) {
	ml := NewMessageLimiter(MessageLimitConfig{Burst: 3, Rate: 1, IdleTTL: time.Minute, CleanupEvery: time.Minute})
	defer ml.Close()

	for i := 0; i < 3; i++ {
		if !ml.Allow("c1") {
			t.Fatalf("expected message %d to be allowed within burst", i)
		}
	}
	if ml.Allow("c1") {
		t.Fatalf("expected 4th message to be rate limited")
	}
}

func TestMessageLimiterIsPerClient(t *testing.T) {
	ml := NewMessageLimiter(MessageLimitConfig{Burst: 1, Rate: 1, IdleTTL: time.Minute, CleanupEvery: time.Minute})
	defer ml.Close()

	if !ml.Allow("a") || !ml.Allow("b") {
		t.Fatalf("expected independent buckets per client")
	}
	if ml.Allow("a") {
		t.Fatalf("expected client a to be exhausted")
	}
}

func TestMessageLimiterForgetResetsClient(t *testing.T) {
	ml := NewMessageLimiter(MessageLimitConfig{Burst: 1, Rate: 1, IdleTTL: time.Minute, CleanupEvery: time.Minute})
	defer ml.Close()

	ml.Allow("c1")
	ml.Forget("c1")
	if !ml.Allow("c1") {
		t.Fatalf("expected a fresh bucket after Forget")
	}
}
