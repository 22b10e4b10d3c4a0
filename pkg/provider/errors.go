// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures across the pipeline. Components never use
// exceptions-as-control-flow; they return an *Error carrying one of these
// kinds and retry at explicit sites only.
type Kind string

const (
	// KindUnsupported: the source does not offer the requested capability.
	KindUnsupported Kind = "unsupported"

	// KindRateLimited: the rate controller rejected admission (queue full
	// or wait exceeded the deadline). Retryable by the caller.
	KindRateLimited Kind = "rate_limited"

	// KindDeadline: a soft or hard timeout expired.
	KindDeadline Kind = "deadline"

	// KindProviderDown: the health monitor flagged the source inadmissible.
	KindProviderDown Kind = "provider_down"

	// KindBotChallenge: a bot-protection challenge was detected and no
	// solver is available.
	KindBotChallenge Kind = "bot_challenge"

	// KindParseError: a response was received but did not match the
	// adapter's schema. Counts toward consecutive probe failures.
	KindParseError Kind = "parse_error"

	// KindTransport: DNS/TCP/TLS/connection failure.
	KindTransport Kind = "transport"

	// KindClientError: a download client returned an error.
	KindClientError Kind = "client_error"

	// KindLost: restart reconciliation could not locate a previously
	// active job at its download client.
	KindLost Kind = "lost"

	// KindAllSourcesFailed: the search engine produced no results and
	// every consulted source errored.
	KindAllSourcesFailed Kind = "all_sources_failed"

	// KindCancelled: the deadline expired or the caller cancelled.
	KindCancelled Kind = "cancelled"

	// KindInvalidArgument: the request itself was malformed (empty query,
	// unknown source id).
	KindInvalidArgument Kind = "invalid_argument"
)

// Error is the structured error record surfaced between components and to
// API consumers as {kind, message, retryable}.
type Error struct {
	Kind    Kind   `json:"kind"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e.Source != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Source, e.Message, e.Err)
	case e.Source != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Source, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by kind, so
// errors.Is(err, &Error{Kind: KindDeadline}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Retryable reports whether the same call might succeed if repeated.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindDeadline, KindTransport, KindProviderDown:
		return true
	default:
		return false
	}
}

// NewError builds an *Error for a source-scoped failure.
func NewError(kind Kind, sourceID, message string, cause error) *Error {
	return &Error{Kind: kind, Source: sourceID, Message: message, Err: cause}
}

// Errorf builds an *Error with a formatted message and no cause.
func Errorf(kind Kind, sourceID, format string, args ...any) *Error {
	return &Error{Kind: kind, Source: sourceID, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from any error. Context errors map onto the
// taxonomy; everything else is treated as a transport failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadline
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransport
}

// IsRetryable reports whether err might succeed on retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
