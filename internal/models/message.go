package models

import "time"

// ChatMessage is a persisted chat line. It is immutable once stored. UserID is opaque to the server.
type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}
