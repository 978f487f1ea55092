// Package campaign turns a message template plus a contact list into a
// bulk campaign: delivery jobs persisted up front, then sent in paced
// batches with per-job retries through the tenant's open session.
package campaign

import "errors"

var (
	// ErrNoContacts means a campaign was submitted with an empty list.
	ErrNoContacts = errors.New("campaign: no contacts")

	// ErrEmptyTemplate means a campaign was submitted without a message.
	ErrEmptyTemplate = errors.New("campaign: empty template")
)

// Contact is one recipient of a campaign.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}
