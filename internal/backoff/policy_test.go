package backoff

import (
	"testing"
	"time"
)

func TestDelaySchedule(t *testing.T) {
	p := Default()

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
		ok       bool
	}{
		{name: "attempt zero retries immediately", attempt: 0, expected: 0, ok: true},
		{name: "attempt one uses base delay", attempt: 1, expected: time.Second, ok: true},
		{name: "attempt two doubles", attempt: 2, expected: 2 * time.Second, ok: true},
		{name: "attempt three", attempt: 3, expected: 4 * time.Second, ok: true},
		{name: "attempt six", attempt: 6, expected: 32 * time.Second, ok: true},
		{name: "attempt at cap gives up", attempt: 7, expected: 0, ok: false},
		{name: "attempt past cap gives up", attempt: 20, expected: 0, ok: false},
		{name: "negative attempt gives up", attempt: -1, expected: 0, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.Delay(tt.attempt)
			if ok != tt.ok {
				t.Fatalf("Delay(%d) ok = %v, want %v", tt.attempt, ok, tt.ok)
			}
			if got != tt.expected {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.expected)
			}
		})
	}
}

func TestDelayStrictlyIncreasing(t *testing.T) {
	p := Default()

	prev, ok := p.Delay(0)
	if !ok {
		t.Fatal("Delay(0) gave up")
	}
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		d, ok := p.Delay(attempt)
		if !ok {
			t.Fatalf("Delay(%d) gave up before MaxAttempts", attempt)
		}
		if d <= prev {
			t.Errorf("Delay(%d) = %v, not greater than Delay(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > p.MaxDelay {
			t.Errorf("Delay(%d) = %v exceeds ceiling %v", attempt, d, p.MaxDelay)
		}
		prev = d
	}
}

func TestDelayClampsAtCeiling(t *testing.T) {
	p := Policy{
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		Factor:      2,
		MaxAttempts: 10,
	}

	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		d, ok := p.Delay(attempt)
		if !ok {
			t.Fatalf("Delay(%d) gave up before MaxAttempts", attempt)
		}
		if d > p.MaxDelay {
			t.Errorf("Delay(%d) = %v exceeds ceiling %v", attempt, d, p.MaxDelay)
		}
	}
	if d, _ := p.Delay(9); d != 5*time.Second {
		t.Errorf("Delay(9) = %v, want ceiling %v", d, 5*time.Second)
	}
}

func TestDelayDeterministic(t *testing.T) {
	p := Default()
	for attempt := 0; attempt < p.MaxAttempts+2; attempt++ {
		a, aok := p.Delay(attempt)
		b, bok := p.Delay(attempt)
		if a != b || aok != bok {
			t.Errorf("Delay(%d) not deterministic: (%v,%v) vs (%v,%v)", attempt, a, aok, b, bok)
		}
	}
}
