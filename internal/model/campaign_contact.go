// internal/model/campaign_contact.go
package model

import "time"

type ContactStatus string

const (
	ContactPending ContactStatus = "pending"
	ContactSending ContactStatus = "sending"
	ContactSent    ContactStatus = "sent"
	ContactFailed  ContactStatus = "failed"
	ContactSkipped ContactStatus = "skipped"
)

// CampaignContact is one recipient in a campaign's queue. Rows are
// popped in insertion order (id ascending); sent/failed/skipped are
// terminal.
type CampaignContact struct {
	ID           int           `db:"id" json:"id"`
	CampaignID   int           `db:"campaign_id" json:"campaign_id"`
	ContactID    int           `db:"contact_id" json:"contact_id"`
	Phone        string        `db:"phone" json:"phone"`
	Name         string        `db:"name" json:"name"`
	RenderedContent string     `db:"rendered_content" json:"rendered_content,omitempty"`
	Status       ContactStatus `db:"status" json:"status"`
	AttemptCount int           `db:"attempt_count" json:"attempt_count"`
	ErrorType    string        `db:"error_type" json:"error_type,omitempty"`
	ErrorMessage string        `db:"error_message" json:"error_message,omitempty"`
	SentAt       *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}
