package models

import (
	"io"
	"time"
)

// EventKind is the shape of an inbound user event.
type EventKind string

const (
	EventText     EventKind = "text"
	EventFile     EventKind = "file"
	EventCommand  EventKind = "command"
	EventCallback EventKind = "callback"
)

// InboundEvent is a normalized user action coming from the front end.
type InboundEvent struct {
	UserID     int64       `json:"user_id"`
	Kind       EventKind   `json:"kind"`
	Payload    string      `json:"payload,omitempty"`
	File       *FileUpload `json:"-"`
	ReceivedAt time.Time   `json:"received_at"`
}

// FileUpload is the body of a file event. Body is read once by the file manager.
type FileUpload struct {
	Name string
	Size int64
	Kind ContentKind
	Body io.Reader
}

// KeyboardOption is a selectable choice rendered by the front end.
type KeyboardOption struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// OutboundReply is what the front end renders back to the user.
type OutboundReply struct {
	UserID    int64             `json:"user_id"`
	Key       string            `json:"key"`
	Text      string            `json:"text"`
	Files     []*ResultArtifact `json:"files,omitempty"`
	Keyboard  []KeyboardOption  `json:"keyboard,omitempty"`
	ErrorKind ErrorKind         `json:"error_kind,omitempty"`
	Stage     Stage             `json:"stage"`
}
