package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ResetBuffer is added to every decoded reset to absorb client/server clock skew.
const ResetBuffer = time.Second

// ErrMalformedDuration matches every MalformedDurationError via errors.Is.
var ErrMalformedDuration = errors.New("malformed duration")

var resetPattern = regexp.MustCompile(`^(\d+h)?(\d+m)?(\d+(\.\d+)?s|\d+(\.\d+)?ms)?$`)

// MalformedDurationError reports a reset value outside the supported grammar.
type MalformedDurationError struct {
	Value string
}

func (e *MalformedDurationError) Error() string {
	return fmt.Sprintf("malformed duration %q", e.Value)
}

// Is lets errors.Is match ErrMalformedDuration.
func (e *MalformedDurationError) Is(target error) bool {
	return target == ErrMalformedDuration
}

// ParseReset converts a compact reset value ("1h30m0s", "6m0s", "818ms",
// "1.5s") into a duration without the safety buffer.
func ParseReset(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || !resetPattern.MatchString(trimmed) {
		return 0, &MalformedDurationError{Value: value}
	}

	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, &MalformedDurationError{Value: value}
	}
	return parsed, nil
}

// ResetWait returns the wait for a reset value including ResetBuffer.
func ResetWait(value string) (time.Duration, error) {
	parsed, err := ParseReset(value)
	if err != nil {
		return 0, err
	}
	return parsed + ResetBuffer, nil
}

// DecodeReset returns the wait for a reset value in seconds, buffer included.
func DecodeReset(value string) (float64, error) {
	wait, err := ResetWait(value)
	if err != nil {
		return 0, err
	}
	return wait.Seconds(), nil
}
