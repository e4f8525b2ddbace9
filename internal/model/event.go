// internal/model/event.go
package model

import "time"

type EventKind string

const (
	EventCampaignStarted   EventKind = "campaign_started"
	EventCampaignPaused    EventKind = "campaign_paused"
	EventCampaignResumed   EventKind = "campaign_resumed"
	EventCampaignCanceled  EventKind = "campaign_canceled"
	EventCampaignCompleted EventKind = "campaign_completed"
	EventContactSent       EventKind = "contact_sent"
	EventContactFailed     EventKind = "contact_failed"
	EventProviderDown      EventKind = "provider_down"
)

// CampaignEvent is one entry on the campaign event stream: either a
// lifecycle transition or a per-contact outcome.
type CampaignEvent struct {
	ID         string    `json:"id"`
	CampaignID int       `json:"campaign_id"`
	Kind       EventKind `json:"kind"`
	ContactID  int       `json:"contact_id,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	ErrorType  string    `json:"error_type,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}
