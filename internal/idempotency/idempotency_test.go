package idempotency

import "testing"

func TestCache_DefaultsTTL(t *testing.T) {
	c := New(nil, 0)
	if c.ttl <= 0 {
		t.Error("expected a non-zero default TTL")
	}
}
