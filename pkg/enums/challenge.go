package enums

import "fmt"

// ChallengeState tracks a step-up challenge for one task.
type ChallengeState string

const (
	ChallengeStateNone       ChallengeState = "none"
	ChallengeStateChallenged ChallengeState = "challenged"
	ChallengeStateSatisfied  ChallengeState = "satisfied"
	ChallengeStateFailed     ChallengeState = "failed"
)

// IsFinal reports whether the challenge can no longer accept a response.
func (c ChallengeState) IsFinal() bool {
	return c == ChallengeStateSatisfied || c == ChallengeStateFailed
}

// String implements fmt.Stringer.
func (c ChallengeState) String() string {
	return string(c)
}

// ChallengeMode selects how expected codes are produced.
type ChallengeMode string

const (
	// ChallengeModeFixed always expects the configured demo code.
	ChallengeModeFixed ChallengeMode = "fixed"
	// ChallengeModeRandom draws a fresh numeric code per task.
	ChallengeModeRandom ChallengeMode = "random"
)

// IsValid reports whether the mode is known.
func (m ChallengeMode) IsValid() bool {
	return m == ChallengeModeFixed || m == ChallengeModeRandom
}

// ParseChallengeMode converts raw input into a ChallengeMode.
func ParseChallengeMode(value string) (ChallengeMode, error) {
	mode := ChallengeMode(value)
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid challenge mode %q", value)
	}
	return mode, nil
}
