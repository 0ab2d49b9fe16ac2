package domain

import (
	"errors"
	"fmt"
)

// Conflict errors. The caller should re-read the message; none are retried automatically.
var (
	ErrNotFound               = errors.New("message not found")
	ErrAlreadyApproved        = errors.New("message already approved")
	ErrAlreadyRejected        = errors.New("message already rejected")
	ErrConcurrentlyProcessing = errors.New("message is being processed by another request")
	ErrInvalidState           = errors.New("message is in an invalid state for this operation")
	ErrNotFrozen              = errors.New("message does not require manual recovery")
)

// Labels for the typed errors below; match them with errors.Is.
var (
	ErrManualRecoveryRequired        = errors.New("message requires manual recovery")
	ErrTransmissionFailed            = errors.New("channel transmission failed")
	ErrDeliveredButPersistFailed     = errors.New("message delivered but delivery record could not be saved")
	ErrDeliveredApprovalPendingRetry = errors.New("message delivered but approval could not be finalized")
)

// ManualRecoveryRequiredError is returned for frozen messages.
type ManualRecoveryRequiredError struct {
	MessageID              string
	BackupChannelMessageID string
}

func (e *ManualRecoveryRequiredError) Error() string {
	return fmt.Sprintf("message %s requires manual recovery (channel message id %q): do not retry, contact an operator",
		e.MessageID, e.BackupChannelMessageID)
}

func (e *ManualRecoveryRequiredError) Is(target error) bool { return target == ErrManualRecoveryRequired }

// TransmissionError wraps a channel adapter failure. Nothing was delivered and
// the message is back in pending_approval, so a retry is safe.
type TransmissionError struct {
	MessageID string
	Err       error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("channel transmission failed for message %s: %v", e.MessageID, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }

func (e *TransmissionError) Is(target error) bool { return target == ErrTransmissionFailed }

// DeliveredButPersistFailedError means the channel accepted the message but the
// delivery marker could not be stored. The message is frozen; never retry.
type DeliveredButPersistFailedError struct {
	MessageID        string
	ChannelMessageID string
	Err              error
}

func (e *DeliveredButPersistFailedError) Error() string {
	return fmt.Sprintf("message %s was delivered (channel message id %q) but could not be recorded: do not retry, contact an operator: %v",
		e.MessageID, e.ChannelMessageID, e.Err)
}

func (e *DeliveredButPersistFailedError) Unwrap() error { return e.Err }

func (e *DeliveredButPersistFailedError) Is(target error) bool {
	return target == ErrDeliveredButPersistFailed
}

// DeliveredApprovalPendingRetryError means delivery is durably recorded and only
// the final status write failed. Retrying Approve is safe and will not resend.
type DeliveredApprovalPendingRetryError struct {
	MessageID        string
	ChannelMessageID string
	Err              error
}

func (e *DeliveredApprovalPendingRetryError) Error() string {
	return fmt.Sprintf("message %s was delivered (channel message id %q) but approval was not finalized, retry approval: %v",
		e.MessageID, e.ChannelMessageID, e.Err)
}

func (e *DeliveredApprovalPendingRetryError) Unwrap() error { return e.Err }

func (e *DeliveredApprovalPendingRetryError) Is(target error) bool {
	return target == ErrDeliveredApprovalPendingRetry
}
