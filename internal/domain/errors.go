package domain

import "errors"

// Sentinel errors shared across packages. Wrap with fmt.Errorf("...: %w", err)
// and match with errors.Is.
var (
	// ErrInvalidRequest is returned for malformed decision requests. Not retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEngineNotInitialized is returned when a decision is requested before startup completes.
	ErrEngineNotInitialized = errors.New("engine not initialized")

	// ErrRunnerFailure marks a strategy that failed or timed out.
	ErrRunnerFailure = errors.New("strategy runner failure")

	// ErrQuorumNotMet is returned when fewer strategies than the quorum produced an outcome.
	ErrQuorumNotMet = errors.New("strategy quorum not met")

	// ErrAutoFixFailure marks an auto-fix that was attempted and did not succeed.
	ErrAutoFixFailure = errors.New("auto-fix failed")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateDecision is returned when a decision id is stored twice.
	ErrDuplicateDecision = errors.New("decision already recorded")
)
