package models

// Connection-level event names.
const (
	EventJoin        = "join"
	EventGetMessages = "getMessages"
	EventSendMessage = "sendMessage"

	EventMessages   = "messages"
	EventNewMessage = "newMessage"
	EventJobUpdate  = "jobUpdate"
	EventError      = "error"
)
