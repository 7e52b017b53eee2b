package domain

import "errors"

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task with this external id already exists")

	// ErrTaskFinalized is returned when a transition targets a task that is
	// already completed or failed.
	ErrTaskFinalized = errors.New("task already finalized")

	ErrValidation          = errors.New("audio URL validation failed")
	ErrSubmission          = errors.New("failed to submit transcription task")
	ErrTransientTransport  = errors.New("transient transport error")
	ErrExternalTask        = errors.New("ASR task failed")
	ErrInternal            = errors.New("internal error")
	ErrRetryBudgetExceeded = errors.New("exceeded maximum retry count")

	// ErrStillProcessing accompanies ErrRetryBudgetExceeded when the service
	// never reported a conclusion and the task may still finish later.
	ErrStillProcessing = errors.New("task may still be processing")
)

const maxErrorMessage = 2000

// ErrorMessage renders err for the error_message column.
func ErrorMessage(err error) string {
	return Truncate(err.Error(), maxErrorMessage)
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
