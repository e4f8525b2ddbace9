// internal/repository/campaign_repository.go
package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/waveline/campaign-engine/internal/apperr"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/window"
)

type CampaignRepositoryInterface interface {
	Create(c *model.Campaign) error
	GetByID(id int) (*model.Campaign, error)
	List(offset, limit int, status string) ([]*model.Campaign, int, error)
	// TransitionStatus atomically moves a campaign from any of the given
	// statuses to the target, stamping the matching timestamp column.
	// Returns false when the row was not in an allowed status.
	TransitionStatus(id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error)
	UpdateConfig(id, delayMin, delayMax int, win *model.SendingWindow) error
	DueScheduled(now time.Time) ([]*model.Campaign, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, inbox_id, status, base_template, delay_min_seconds, delay_max_seconds,
	sending_window, scheduled_at, created_at, started_at, paused_at, completed_at, updated_at`

func (r *CampaignRepository) Create(c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	winRaw, err := marshalWindow(c.SendingWindow)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO campaigns (name, inbox_id, status, base_template, delay_min_seconds, delay_max_seconds,
			sending_window, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	return r.DB.QueryRow(query,
		c.Name, c.InboxID, c.Status, c.BaseTemplate, c.DelayMinSeconds, c.DelayMaxSeconds,
		winRaw, c.ScheduledAt, c.CreatedAt,
	).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) List(offset, limit int, status string) ([]*model.Campaign, int, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	countArgs := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		countArgs = append(countArgs, status)
	}
	var total int
	if err := r.DB.QueryRow(countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

func (r *CampaignRepository) TransitionStatus(id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	query := `
		UPDATE campaigns
		SET status = $1,
		    updated_at = NOW(),
		    started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    paused_at = CASE WHEN $1 = 'paused' THEN NOW() ELSE paused_at END,
		    completed_at = CASE WHEN $1 IN ('completed', 'canceled', 'failed') THEN NOW() ELSE completed_at END
		WHERE id = $2 AND status = ANY($3)
	`
	res, err := r.DB.Exec(query, string(to), id, pq.Array(fromStrs))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *CampaignRepository) UpdateConfig(id, delayMin, delayMax int, win *model.SendingWindow) error {
	winRaw, err := marshalWindow(win)
	if err != nil {
		return err
	}
	query := `
		UPDATE campaigns
		SET delay_min_seconds=$1, delay_max_seconds=$2, sending_window=$3, updated_at=NOW()
		WHERE id=$4
	`
	_, err = r.DB.Exec(query, delayMin, delayMax, winRaw, id)
	return err
}

func (r *CampaignRepository) DueScheduled(now time.Time) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status='scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at`
	rows, err := r.DB.Query(query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanCampaign reads one campaign row, normalizing the persisted
// sending-window JSON into the typed value. The window never travels
// past this boundary as a raw string.
func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var winRaw []byte
	err := row.Scan(
		&c.ID, &c.Name, &c.InboxID, &c.Status, &c.BaseTemplate,
		&c.DelayMinSeconds, &c.DelayMaxSeconds,
		&winRaw, &c.ScheduledAt, &c.CreatedAt, &c.StartedAt, &c.PausedAt, &c.CompletedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(winRaw) > 0 {
		var w model.SendingWindow
		if err := json.Unmarshal(winRaw, &w); err != nil {
			return nil, fmt.Errorf("campaign %d: malformed sending_window: %w", c.ID, err)
		}
		if err := window.Validate(&w); err != nil {
			return nil, fmt.Errorf("campaign %d: %w", c.ID, err)
		}
		c.SendingWindow = &w
	}
	return &c, nil
}

func marshalWindow(w *model.SendingWindow) ([]byte, error) {
	if w == nil {
		return nil, nil
	}
	return json.Marshal(w)
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
