// internal/repository/delivery_log_repository.go
package repository

import (
	"database/sql"

	"github.com/waveline/campaign-engine/internal/model"
)

// DeliveryLogRepository archives campaign events consumed off the event
// stream into an append-only audit table.
type DeliveryLogRepository struct {
	DB *sql.DB
}

func (r *DeliveryLogRepository) Insert(ev model.CampaignEvent) error {
	query := `
		INSERT INTO delivery_log (event_id, campaign_id, kind, contact_id, phone, error_type, message, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := r.DB.Exec(query, ev.ID, ev.CampaignID, string(ev.Kind), ev.ContactID, ev.Phone, ev.ErrorType, ev.Message, ev.At)
	return err
}
