package ratelimit

import (
	"context"
	"testing"
)

func TestMemoryLimiter_EnforcesLimit(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "did:plc:peer", 3)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d should be within the limit", i)
		}
	}

	ok, _ := l.Allow(ctx, "did:plc:peer", 3)
	if ok {
		t.Error("fourth request should exceed the limit")
	}
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	l.Allow(ctx, "did:plc:a", 1)
	ok, _ := l.Allow(ctx, "did:plc:b", 1)
	if !ok {
		t.Error("limit for one peer must not affect another")
	}
}

func TestMemoryLimiter_ZeroLimitMeansUnlimited(t *testing.T) {
	l := NewMemoryLimiter()
	for i := 0; i < 100; i++ {
		ok, _ := l.Allow(context.Background(), "did:plc:peer", 0)
		if !ok {
			t.Fatal("zero limit should never reject")
		}
	}
}
