// internal/sendport/sendport.go

// Package sendport abstracts the external message-sending capability.
// Transport integration lives behind Sender; the engine only classifies
// its errors.
package sendport

import "context"

// Message is one rendered outbound message. IdempotencyKey is unique
// per attempt so providers that deduplicate can absorb at-least-once
// redelivery after a crash.
type Message struct {
	InboxID        int
	Phone          string
	Body           string
	IdempotencyKey string
}

// Result reports a successful hand-off to the provider.
type Result struct {
	ProviderMessageID string
}

// Sender transmits a single message. Implementations return
// apperr.TransientSendError, apperr.PermanentSendError or
// apperr.ProviderUnavailableError so the dispatcher can route the
// failure.
type Sender interface {
	Send(ctx context.Context, msg Message) (*Result, error)
}
