// Package services implements the decision pipeline that turns inbound
// message events into guarded automated actions. This file centralizes the
// service-level error values so they can be consistently returned by service
// methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrMessageNotFound indicates the referenced inbound message does not
	// exist or is not visible to the requesting owner.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyContent is returned when an event carries no message text.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrSavedReplyNotFound indicates the referenced saved reply does not
	// exist.
	ErrSavedReplyNotFound = errors.New("saved reply not found")

	// ErrUnknownOutcome is returned by the executor when asked to apply a
	// decision outcome it does not recognize.
	ErrUnknownOutcome = errors.New("unknown decision outcome")
)
