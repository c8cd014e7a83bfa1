package escrow

import "errors"

// Typed failures. Every operation failure wraps exactly one of these, so
// callers classify with errors.Is and never parse messages.
var (
	ErrUnauthorized      = errors.New("escrow: unauthorized caller")
	ErrInvalidMilestone  = errors.New("escrow: invalid milestone")
	ErrNotFunded         = errors.New("escrow: not funded")
	ErrAlreadyFunded     = errors.New("escrow: already funded")
	ErrIncorrectAmount   = errors.New("escrow: incorrect amount")
	ErrNotSubmitted      = errors.New("escrow: milestone not submitted")
	ErrAlreadyPaid       = errors.New("escrow: milestone already paid")
	ErrTimeoutNotReached = errors.New("escrow: approval timeout not reached")
	ErrJobCancelled      = errors.New("escrow: job cancelled")
	ErrCannotCancel      = errors.New("escrow: cannot cancel after a payout")
	ErrTransferFailed    = errors.New("escrow: transfer failed")
	ErrInvalidInstance   = errors.New("escrow: invalid instance parameters")
	ErrUnknownInstance   = errors.New("escrow: unknown instance")
)

var reasons = []struct {
	err   error
	label string
}{
	{ErrTransferFailed, "transfer_failed"}, // wraps the port's cause, match first
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidMilestone, "invalid_milestone"},
	{ErrNotFunded, "not_funded"},
	{ErrAlreadyFunded, "already_funded"},
	{ErrIncorrectAmount, "incorrect_amount"},
	{ErrNotSubmitted, "not_submitted"},
	{ErrAlreadyPaid, "already_paid"},
	{ErrTimeoutNotReached, "timeout_not_reached"},
	{ErrJobCancelled, "job_cancelled"},
	{ErrCannotCancel, "cannot_cancel"},
	{ErrInvalidInstance, "invalid_instance"},
	{ErrUnknownInstance, "unknown_instance"},
}

// Reason returns a stable label for err suitable for metric labels and API
// error details. Unclassified errors map to "internal"; nil maps to "".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "internal"
}

// FromReason returns the sentinel whose Reason label is reason, or nil.
func FromReason(reason string) error {
	for _, r := range reasons {
		if r.label == reason {
			return r.err
		}
	}
	return nil
}
