// Package services defines the business logic for the notification queue,
// the conversation engine, knowledge retrieval, suggestions, and preferences.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer. Only validation errors cross back to the original
// caller; retry and fallback decisions are owned by the queue and conversation
// services respectively and never surface here.
package services

import "errors"

// Notification queue errors.
var (
	// ErrUnknownTemplate indicates the requested template does not exist or
	// is inactive, so nothing was enqueued.
	ErrUnknownTemplate = errors.New("unknown or inactive template")

	// ErrInvalidVariables is returned when a declared template variable is
	// unbound at enqueue time.
	ErrInvalidVariables = errors.New("template variable unbound")

	// ErrInvalidChannel is returned for an unsupported delivery channel.
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrInvalidPriority is returned when priority is outside 1..5.
	ErrInvalidPriority = errors.New("priority must be between 1 and 5")

	// ErrItemNotFound indicates the requested queue item does not exist.
	ErrItemNotFound = errors.New("notification item not found")

	// ErrInvalidTransition is returned for lifecycle operations applied in
	// the wrong state (e.g., MarkRead on a pending item, or read tracking on
	// a channel that does not support it).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidPreference indicates a malformed preference update (bad
	// quiet-hours bounds or an unresolvable timezone).
	ErrInvalidPreference = errors.New("invalid notification preference")
)

// Conversation errors.
var (
	// ErrConversationNotFound indicates the requested conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationClosed is returned when posting to a resolved or
	// abandoned conversation.
	ErrConversationClosed = errors.New("conversation is closed")

	// ErrEmptyMessage is returned when a posted message contains no text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTooLong is returned when a posted message exceeds the configured
	// length limit.
	ErrTooLong = errors.New("message too long")

	// ErrInvalidRole is returned for an unknown initiator role.
	ErrInvalidRole = errors.New("invalid role")

	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrFeedbackNotAllowed is returned when feedback targets a message that
	// was not authored by the bot.
	ErrFeedbackNotAllowed = errors.New("feedback is only accepted on bot messages")
)
