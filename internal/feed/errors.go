// Package feed fans governance events out to live subscribers
package feed

import "errors"

var (
	// ErrTooManySubscriptions is returned when an operator exceeds the maximum number of subscriptions
	ErrTooManySubscriptions = errors.New("too many subscriptions for this operator")

	// ErrInvalidPattern is returned when a topic pattern is malformed
	ErrInvalidPattern = errors.New("invalid topic pattern")

	// ErrHubClosed is returned by Subscribe after Close
	ErrHubClosed = errors.New("feed closed")
)
