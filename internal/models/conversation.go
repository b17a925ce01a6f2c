package models

import "time"

// Conversation is a participant set plus its most recent message. Identity
// (ID) never changes; HasSeen and LastMessage are the only fields the client
// mutates in place.
type Conversation struct {
	ID          uint      `json:"id"`
	Created     time.Time `json:"created"`
	Users       []User    `json:"users"`
	LastMessage *Message  `json:"last_message"`
	HasSeen     bool      `json:"has_seen"`
}

// Peer returns the first participant other than selfID, or nil for a
// conversation with no other participant.
func (c *Conversation) Peer(selfID uint) *User {
	for i := range c.Users {
		if c.Users[i].ID != selfID {
			return &c.Users[i]
		}
	}
	return nil
}
