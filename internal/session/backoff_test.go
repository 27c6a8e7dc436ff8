package session

import (
	"testing"
	"time"
)

func TestNextRetryDelayStartsAtBase(t *testing.T) {
	delay := nextRetryDelay(0, 2*time.Second, time.Minute)
	if delay != 2*time.Second {
		t.Fatalf("expected base delay, got %v", delay)
	}
}

func TestNextRetryDelayStaysWithinCap(t *testing.T) {
	base := 2 * time.Second
	capDur := 30 * time.Second
	delay := base
	for i := 0; i < 20; i++ {
		delay = nextRetryDelay(delay, base, capDur)
		if delay < base {
			t.Fatalf("delay %v fell below base %v", delay, base)
		}
		if delay > capDur {
			t.Fatalf("delay %v exceeded cap %v", delay, capDur)
		}
	}
}

func TestNextRetryDelayGrows(t *testing.T) {
	base := time.Second
	first := nextRetryDelay(0, base, time.Hour)
	second := nextRetryDelay(first, base, time.Hour)
	if second < base {
		t.Fatalf("expected at least base after growth, got %v", second)
	}
}
