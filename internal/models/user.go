// Package models defines the wire-level data types exchanged with the chat
// backend. Field names follow the backend's JSON (snake_case, DRF-style)
// exactly; these structs are decoded straight off the REST and WebSocket
// payloads.
package models

// User is an account as served by the accounts API. The chat core treats
// users as immutable identity records.
type User struct {
	ID       uint   `json:"id"`
	URL      string `json:"url"`
	Username string `json:"username"`
	// FullName is served under "get_full_name" by the accounts serializer.
	FullName        string `json:"get_full_name"`
	Avatar          string `json:"avatar"`
	Title           string `json:"title"`
	IsFollowing     bool   `json:"is_following"`
	TotalExperience [2]int `json:"total_experience"`
}

// DisplayName returns the user's full name, falling back to the username.
func (u *User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Username
}
