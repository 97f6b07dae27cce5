package limiter

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRefill(t *testing.T) {
	tests := []struct {
		name      string
		tokens    int
		elapsed   time.Duration
		perMinute int
		capacity  int
		want      int
	}{
		{"no time passed", 3, 0, 60, 10, 3},
		{"one minute from empty", 0, time.Minute, 60, 10, 10},
		{"partial minute floors", 0, 1500 * time.Millisecond, 60, 10, 1},
		{"slow rate below one token", 0, 20 * time.Second, 2, 2, 0},
		{"capped at capacity", 9, time.Hour, 60, 10, 10},
		{"very long idle", 0, 1000 * 24 * time.Hour, 1000, 500, 500},
		{"clock skew adds nothing", 4, -time.Minute, 60, 10, 4},
		{"negative tokens clamp to zero", -3, 0, 60, 10, 0},
		{"stored above lowered capacity", 50, 0, 60, 10, 10},
		{"zero capacity", 0, time.Minute, 60, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := epoch.Add(tt.elapsed)
			got := refill(State{Tokens: tt.tokens, LastRefill: epoch}, tt.perMinute, tt.capacity, now)
			if got.Tokens != tt.want {
				t.Errorf("tokens = %d, want %d", got.Tokens, tt.want)
			}
			if !got.LastRefill.Equal(now) {
				t.Errorf("last refill = %v, want %v", got.LastRefill, now)
			}
		})
	}
}

func TestConsume(t *testing.T) {
	st, ok := consume(State{Tokens: 5}, 3)
	if !ok || st.Tokens != 2 {
		t.Errorf("consume(5, 3) = %d, %v; want 2, true", st.Tokens, ok)
	}
	st, ok = consume(State{Tokens: 2}, 3)
	if ok || st.Tokens != 2 {
		t.Errorf("consume(2, 3) = %d, %v; want 2, false", st.Tokens, ok)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		deficit, perMinute, ceiling, want int
	}{
		{1, 60, 60, 60},
		{1, 60, 30, 30},
		{61, 60, 3600, 120},
		{3, 2, 100, 100},
		{3, 2, 3600, 120},
		{0, 10, 60, 60},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.deficit, tt.perMinute, tt.ceiling); got != tt.want {
			t.Errorf("retryAfter(%d, %d, %d) = %d, want %d", tt.deficit, tt.perMinute, tt.ceiling, got, tt.want)
		}
	}
}

func TestFullAt(t *testing.T) {
	if got := fullAt(State{Tokens: 10, LastRefill: epoch}, 60, 10); !got.Equal(epoch) {
		t.Errorf("full bucket resets at %v, want %v", got, epoch)
	}

	st := State{Tokens: 0, LastRefill: epoch}
	at := fullAt(st, 60, 10)
	if want := epoch.Add(10 * time.Second); !at.Equal(want) {
		t.Errorf("fullAt = %v, want %v", at, want)
	}
	if got := refill(st, 60, 10, at); got.Tokens != 10 {
		t.Errorf("tokens at reset time = %d, want 10", got.Tokens)
	}

	// one token at 7 rpm is not a whole number of nanoseconds
	st = State{Tokens: 0, LastRefill: epoch}
	at = fullAt(st, 7, 1)
	if got := refill(st, 7, 1, at); got.Tokens != 1 {
		t.Errorf("tokens at reset time = %d, want 1", got.Tokens)
	}
	if got := refill(st, 7, 1, at.Add(-time.Nanosecond)); got.Tokens != 0 {
		t.Errorf("tokens just before reset time = %d, want 0", got.Tokens)
	}
}

func TestMatchPattern(t *testing.T) {
	if got := matchPattern("rate_limit:user:a*b[1]:"); got != `rate_limit:user:a\*b\[1\]:*` {
		t.Errorf("matchPattern() = %q", got)
	}
}
