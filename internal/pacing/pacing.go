// internal/pacing/pacing.go

// Package pacing computes the randomized inter-message delay that gives
// a campaign its human-like sending rhythm. The randomness is part of
// the contract: a constant gap between sends is exactly the pattern the
// delay exists to avoid.
package pacing

import (
	"math/rand"
	"time"

	"github.com/waveline/campaign-engine/internal/apperr"
)

const (
	MinDelaySeconds = 1
	MaxDelaySeconds = 300
)

// ValidateRange checks the delay bounds without drawing a delay.
func ValidateRange(minSeconds, maxSeconds int) error {
	if minSeconds > maxSeconds || minSeconds < MinDelaySeconds || maxSeconds > MaxDelaySeconds {
		return &apperr.InvalidRangeError{Min: minSeconds, Max: maxSeconds}
	}
	return nil
}

// Delay returns a duration drawn uniformly from
// [minSeconds*1000, maxSeconds*1000] milliseconds, inclusive.
func Delay(minSeconds, maxSeconds int) (time.Duration, error) {
	if err := ValidateRange(minSeconds, maxSeconds); err != nil {
		return 0, err
	}
	spanMs := (maxSeconds - minSeconds) * 1000
	ms := minSeconds*1000 + rand.Intn(spanMs+1)
	return time.Duration(ms) * time.Millisecond, nil
}
