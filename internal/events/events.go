// internal/events/events.go

// Package events carries the campaign event stream: lifecycle
// transitions and per-contact outcomes, published by the engine and
// consumed by observers such as the delivery-log worker.
package events

import "github.com/waveline/campaign-engine/internal/model"

type Publisher interface {
	Publish(ev model.CampaignEvent) error
}

// NopPublisher drops events; used where no observer is wired.
type NopPublisher struct{}

func (NopPublisher) Publish(model.CampaignEvent) error { return nil }
