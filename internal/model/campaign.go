// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusRunning   CampaignStatus = "running"
	StatusPaused    CampaignStatus = "paused"
	StatusCompleted CampaignStatus = "completed"
	StatusCanceled  CampaignStatus = "canceled"
	StatusFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s CampaignStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

// SendingWindow confines dispatch to a time-of-day range on selected
// weekdays. Start and End are "HH:mm" clock strings; Days holds
// time.Weekday values (0 = Sunday). A nil window means dispatch is
// always permitted.
type SendingWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  []int  `json:"days"`
}

type Campaign struct {
	ID              int            `db:"id" json:"id"`
	Name            string         `db:"name" json:"name"`
	InboxID         int            `db:"inbox_id" json:"inbox_id"`
	Status          CampaignStatus `db:"status" json:"status"`
	BaseTemplate    string         `db:"base_template" json:"base_template"`
	DelayMinSeconds int            `db:"delay_min_seconds" json:"delay_min_seconds"`
	DelayMaxSeconds int            `db:"delay_max_seconds" json:"delay_max_seconds"`
	SendingWindow   *SendingWindow `db:"sending_window" json:"sending_window,omitempty"`
	ScheduledAt     *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	StartedAt       *time.Time     `db:"started_at" json:"started_at,omitempty"`
	PausedAt        *time.Time     `db:"paused_at" json:"paused_at,omitempty"`
	CompletedAt     *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt       *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}
