// internal/repository/contact_repository.go
package repository

import (
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/waveline/campaign-engine/internal/model"
)

type ContactRepositoryInterface interface {
	GetByID(id int) (*model.Contact, error)
	ListByIDs(ids []int) ([]model.Contact, error)
}

type ContactRepository struct {
	DB *sql.DB
}

func (r *ContactRepository) GetByID(id int) (*model.Contact, error) {
	query := `SELECT id, phone, first_name, last_name, attributes FROM contacts WHERE id=$1`
	c, err := scanContact(r.DB.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (r *ContactRepository) ListByIDs(ids []int) ([]model.Contact, error) {
	query := `SELECT id, phone, first_name, last_name, attributes FROM contacts WHERE id = ANY($1) ORDER BY id`
	rows, err := r.DB.Query(query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

func scanContact(row rowScanner) (*model.Contact, error) {
	var c model.Contact
	var attrsRaw []byte
	if err := row.Scan(&c.ID, &c.Phone, &c.FirstName, &c.LastName, &attrsRaw); err != nil {
		return nil, err
	}
	if len(attrsRaw) > 0 {
		if err := json.Unmarshal(attrsRaw, &c.Attributes); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
