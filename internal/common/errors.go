package common

import (
	"errors"
	"fmt"

	"github.com/openvault/dossier/constants"
)

// Error kinds, matched with errors.Is. Stage processors map these onto
// stage transitions: transient kinds requeue with backoff, terminal kinds
// go straight to FAILED.
var (
	// ErrTransientNetwork covers timeouts and 5xx-style fetch failures.
	// Retried with exponential backoff up to the policy's attempt budget.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrGateBypass means the consent interstitial was detected but could
	// not be cleared. Retried a bounded number of times, then terminal.
	ErrGateBypass = errors.New("gate bypass failed")

	// ErrIntegrity means the payload bytes failed structural verification
	// (e.g. the gate's HTML saved under a .pdf name). Terminal immediately;
	// never retried automatically.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrCapabilityUnavailable marks an optional subsystem that is missing
	// in this environment. Processing degrades and continues; recorded as a
	// soft flag, not a failure.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrClaimConflict means another worker won the optimistic claim race.
	// Skipped silently.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrUnparseableSource means the stored bytes cannot be parsed at all.
	// Terminal; requires operator reprocessing after a manual fix.
	ErrUnparseableSource = errors.New("unparseable source")
)

// PipelineError carries an error kind plus the stable reason string that
// ends up on the DocumentRecord.
type PipelineError struct {
	Kind    error
	Reason  constants.FailureReason
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Kind }

// Is lets errors.Is match both the wrapped kind and the cause chain.
func (e *PipelineError) Is(target error) bool {
	return errors.Is(e.Kind, target) || (e.Cause != nil && errors.Is(e.Cause, target))
}

func NewPipelineError(kind error, reason constants.FailureReason, message string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Reason: reason, Message: message, Cause: cause}
}

// ReasonFor extracts the failure reason from an error chain, or "" when the
// error carries none.
func ReasonFor(err error) constants.FailureReason {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
