// internal/repository/campaign_contact_repository.go
package repository

import (
	"database/sql"
	"time"

	"github.com/waveline/campaign-engine/internal/model"
)

type CampaignContactRepositoryInterface interface {
	// BulkInsert composes the campaign queue, skipping contacts already
	// enqueued for this campaign. Returns the number of rows added.
	BulkInsert(campaignID int, rows []model.CampaignContact) (int, error)
	// NextPending pops nothing: it returns the oldest pending contact
	// (FIFO by insertion id) or nil when the queue is drained.
	NextPending(campaignID int) (*model.CampaignContact, error)
	// MarkSending claims a pending contact. Returns false if the row was
	// no longer pending.
	MarkSending(id int) (bool, error)
	MarkSent(id int, sentAt time.Time) error
	MarkFailed(id int, errType, errMessage string) error
	// Requeue returns a transiently failed contact to pending with its
	// attempt count and last error recorded.
	Requeue(id, attemptCount int, errType, errMessage string) error
	// ResetStuckSending reverts contacts interrupted mid-send (by a crash
	// or abandoned attempt) to pending. At-least-once semantics.
	ResetStuckSending(campaignID int) (int64, error)
	CountByStatus(campaignID int) (map[model.ContactStatus]int, error)
}

type CampaignContactRepository struct {
	DB *sql.DB
}

func (r *CampaignContactRepository) BulkInsert(campaignID int, rows []model.CampaignContact) (int, error) {
	query := `
		INSERT INTO campaign_contacts (campaign_id, contact_id, phone, name, rendered_content, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, NOW(), NOW())
		ON CONFLICT (campaign_id, contact_id) DO NOTHING
	`
	added := 0
	for _, ct := range rows {
		res, err := r.DB.Exec(query, campaignID, ct.ContactID, ct.Phone, ct.Name, ct.RenderedContent)
		if err != nil {
			return added, err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			added++
		}
	}
	return added, nil
}

const campaignContactColumns = `id, campaign_id, contact_id, phone, name, rendered_content, status, attempt_count,
	error_type, error_message, sent_at, created_at, updated_at`

func (r *CampaignContactRepository) NextPending(campaignID int) (*model.CampaignContact, error) {
	query := `SELECT ` + campaignContactColumns + `
		FROM campaign_contacts
		WHERE campaign_id=$1 AND status='pending'
		ORDER BY id
		LIMIT 1`
	ct, err := scanCampaignContact(r.DB.QueryRow(query, campaignID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return ct, nil
}

func (r *CampaignContactRepository) MarkSending(id int) (bool, error) {
	query := `UPDATE campaign_contacts SET status='sending', updated_at=NOW() WHERE id=$1 AND status='pending'`
	res, err := r.DB.Exec(query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *CampaignContactRepository) MarkSent(id int, sentAt time.Time) error {
	query := `UPDATE campaign_contacts
		SET status='sent', sent_at=$1, error_type='', error_message='', updated_at=NOW()
		WHERE id=$2`
	_, err := r.DB.Exec(query, sentAt, id)
	return err
}

func (r *CampaignContactRepository) MarkFailed(id int, errType, errMessage string) error {
	query := `UPDATE campaign_contacts
		SET status='failed', attempt_count=attempt_count+1, error_type=$1, error_message=$2, updated_at=NOW()
		WHERE id=$3`
	_, err := r.DB.Exec(query, errType, errMessage, id)
	return err
}

func (r *CampaignContactRepository) Requeue(id, attemptCount int, errType, errMessage string) error {
	query := `UPDATE campaign_contacts
		SET status='pending', attempt_count=$1, error_type=$2, error_message=$3, updated_at=NOW()
		WHERE id=$4`
	_, err := r.DB.Exec(query, attemptCount, errType, errMessage, id)
	return err
}

func (r *CampaignContactRepository) ResetStuckSending(campaignID int) (int64, error) {
	query := `UPDATE campaign_contacts SET status='pending', updated_at=NOW() WHERE campaign_id=$1 AND status='sending'`
	res, err := r.DB.Exec(query, campaignID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *CampaignContactRepository) CountByStatus(campaignID int) (map[model.ContactStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM campaign_contacts WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[model.ContactStatus]int{}
	for rows.Next() {
		var status model.ContactStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanCampaignContact(row rowScanner) (*model.CampaignContact, error) {
	var ct model.CampaignContact
	err := row.Scan(
		&ct.ID, &ct.CampaignID, &ct.ContactID, &ct.Phone, &ct.Name, &ct.RenderedContent, &ct.Status, &ct.AttemptCount,
		&ct.ErrorType, &ct.ErrorMessage, &ct.SentAt, &ct.CreatedAt, &ct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

var _ CampaignContactRepositoryInterface = (*CampaignContactRepository)(nil)
