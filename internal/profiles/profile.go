package profiles

import "strings"

// Profile is the per-user record at users/{userId}. It is created on first
// login and mutated only by its owner; account deletion is not supported.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	PhotoURL    string `json:"photoURL,omitempty"`
	Title       string `json:"title,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Connections int    `json:"connections"`
}

const defaultTitle = "New Member"

func normalize(value string) string {
	return strings.TrimSpace(value)
}
