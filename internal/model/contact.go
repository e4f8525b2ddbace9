// internal/model/contact.go
package model

// Contact is an address-book entry; Attributes feed template
// placeholders beyond the fixed name fields.
type Contact struct {
	ID         int               `db:"id" json:"id"`
	Phone      string            `db:"phone" json:"phone"`
	FirstName  string            `db:"first_name" json:"first_name"`
	LastName   string            `db:"last_name" json:"last_name"`
	Attributes map[string]string `db:"attributes" json:"attributes,omitempty"`
}
