// internal/sendport/mock.go
package sendport

import (
	"context"
	"math/rand"

	"github.com/google/uuid"

	"github.com/waveline/campaign-engine/internal/apperr"
)

// MockSender simulates a provider for local runs and seed demos:
// roughly 90% of sends succeed, the rest fail as transient errors.
type MockSender struct {
	FailureRate float64 // defaults to 0.1 when zero
}

func (s *MockSender) Send(ctx context.Context, msg Message) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := s.FailureRate
	if rate == 0 {
		rate = 0.1
	}
	if rand.Float64() < rate {
		return nil, &apperr.TransientSendError{Code: "mock_timeout", Message: "mock sending failed"}
	}
	return &Result{ProviderMessageID: uuid.NewString()}, nil
}
