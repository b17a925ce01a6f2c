package models

import "time"

// Attachment is a server-assigned record for a successfully uploaded file.
// It is immutable once issued by the content API.
type Attachment struct {
	ID       uint   `json:"id"`
	URL      string `json:"url"`
	File     string `json:"file"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
}

// Message is a single chat message. Messages arrive either from a REST page
// fetch or embedded in a WebSocket frame; once a server id is assigned the
// record never changes. Lists are stored newest-first.
type Message struct {
	ID      uint         `json:"id"`
	Content string       `json:"content"`
	Created time.Time    `json:"created"`
	Sender  User         `json:"sender"`
	Files   []Attachment `json:"files"`
}
