package limiter

import (
	"math/bits"
	"time"
)

// refill tops s up for the time elapsed until now and always moves
// LastRefill to now. Elapsed time below zero (clock skew) adds nothing.
func refill(s State, perMinute, capacity int, now time.Time) State {
	elapsed := now.Sub(s.LastRefill)
	if elapsed < 0 {
		elapsed = 0
	}

	tokens := s.Tokens
	if tokens < 0 {
		tokens = 0
	}
	tokens += accrued(elapsed, perMinute, capacity)
	if tokens > capacity {
		tokens = capacity
	}
	return State{Tokens: tokens, LastRefill: now}
}

// accrued returns floor(elapsed minutes * perMinute), saturating at capacity.
// The product is taken in 128 bits so long idle periods cannot overflow.
func accrued(elapsed time.Duration, perMinute, capacity int) int {
	if elapsed <= 0 || perMinute <= 0 || capacity <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(elapsed), uint64(perMinute))
	if hi >= uint64(time.Minute) {
		return capacity
	}
	q, _ := bits.Div64(hi, lo, uint64(time.Minute))
	if q >= uint64(capacity) {
		return capacity
	}
	return int(q)
}

// consume removes cost tokens when enough are available.
func consume(s State, cost int) (State, bool) {
	if s.Tokens < cost {
		return s, false
	}
	s.Tokens -= cost
	return s, true
}

// retryAfter is the whole minutes needed to accrue deficit tokens, in
// seconds, capped at ceiling.
func retryAfter(deficit, perMinute, ceiling int) int {
	if deficit < 1 {
		deficit = 1
	}
	minutes := (deficit + perMinute - 1) / perMinute
	seconds := minutes * 60
	if seconds > ceiling {
		return ceiling
	}
	return seconds
}

// fullAt returns when s will hold capacity tokens again at perMinute.
func fullAt(s State, perMinute, capacity int) time.Time {
	missing := capacity - s.Tokens
	if missing <= 0 {
		return s.LastRefill
	}
	rate := int64(perMinute)
	d := (int64(missing)*int64(time.Minute) + rate - 1) / rate
	return s.LastRefill.Add(time.Duration(d))
}
