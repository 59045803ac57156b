package notify

import "errors"

var (
	ErrNotFound            = errors.New("notification not found")
	ErrUnknownType         = errors.New("unknown notification type")
	ErrInvalidPayload      = errors.New("invalid notification payload")
	ErrInvalidChannel      = errors.New("invalid notification channel")
	ErrInvalidPriority     = errors.New("invalid notification priority")
	ErrInvalidNotification = errors.New("invalid notification")
	ErrNoRecipient         = errors.New("no recipient for channel")
)
