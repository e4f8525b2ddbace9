// internal/events/bus.go
package events

import (
	"sync"

	"github.com/waveline/campaign-engine/internal/model"
)

// Bus is an in-process publisher with synchronous fan-out, used in
// tests and single-process deployments. Handlers observe events in
// publish order.
type Bus struct {
	mu       sync.Mutex
	handlers []func(model.CampaignEvent)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(handler func(model.CampaignEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *Bus) Publish(ev model.CampaignEvent) error {
	b.mu.Lock()
	handlers := make([]func(model.CampaignEvent), len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}
