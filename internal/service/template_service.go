// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/waveline/campaign-engine/internal/model"
)

// RenderTemplate substitutes {placeholder} tokens. Empty values render
// as <unknown> so a half-filled contact never produces a message with a
// silent hole.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		if v == "" {
			v = "<unknown>"
		}
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// RenderForContact renders a campaign template against a contact's
// fields and custom attributes.
func RenderForContact(template string, c *model.Contact) string {
	data := map[string]string{
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"name":       strings.TrimSpace(c.FirstName + " " + c.LastName),
		"phone":      c.Phone,
	}
	for k, v := range c.Attributes {
		data[k] = v
	}
	return RenderTemplate(template, data)
}
