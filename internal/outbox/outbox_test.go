package outbox

import (
	"testing"
	"time"
)

func TestBackoff_CapsAtMaxBackoff(t *testing.T) {
	q := &Queue{baseBackoff: time.Second, maxBackoff: 10 * time.Second}
	for attempt := 1; attempt <= 30; attempt++ {
		d := q.backoff(attempt)
		if d > q.maxBackoff {
			t.Fatalf("backoff(%d) = %v, exceeds cap %v", attempt, d, q.maxBackoff)
		}
	}
}

func TestBackoff_GrowsWithAttempts(t *testing.T) {
	q := &Queue{baseBackoff: time.Millisecond, maxBackoff: time.Hour}
	// Jitter makes any single sample noisy, so compare the largest of many
	// samples: attempt 1 is capped at 2ms, attempt 10 at 1024ms.
	maxOf := func(attempt int) time.Duration {
		var m time.Duration
		for i := 0; i < 200; i++ {
			if d := q.backoff(attempt); d > m {
				m = d
			}
		}
		return m
	}
	smallAttemptMax, largeAttemptMax := maxOf(1), maxOf(10)
	if smallAttemptMax > 2*time.Millisecond {
		t.Fatalf("backoff(1) reached %v, above its 2ms ceiling", smallAttemptMax)
	}
	if largeAttemptMax <= smallAttemptMax {
		t.Fatal("backoff ceiling should grow with attempt count")
	}
}
