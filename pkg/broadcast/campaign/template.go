package campaign

import "strings"

// Render fills a message template with the contact's fields. Supported
// placeholders are {name} and {phone}; unknown placeholders pass through
// untouched.
func Render(template string, c Contact) string {
	return strings.NewReplacer(
		"{name}", c.Name,
		"{phone}", c.Phone,
	).Replace(template)
}
