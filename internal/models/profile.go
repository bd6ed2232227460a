package models

import "strings"

// Account types issued by the identity provider.
const (
	AccountHealthSeeker = "HEALTHSEAKER"
	AccountDoctor       = "DOCTOR"
)

const noName = "No Name Available"

// Profile is a selectable counterpart: a doctor for health seekers, a
// health seeker for doctors.
type Profile struct {
	ID        string `json:"_id"`
	Name      string `json:"name,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Field     string `json:"field,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

func (p Profile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	if p.FirstName != "" && p.LastName != "" {
		return strings.TrimSpace(p.FirstName + " " + p.LastName)
	}
	return noName
}

// Identity is the current user as supplied by the session token.
type Identity struct {
	UserID      string `json:"sub"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	AccountType string `json:"account_type"`
}
