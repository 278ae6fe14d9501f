package protocol

import "time"

// Command is a slash command issued by a chat user.
type Command struct {
	UserID   int64     `json:"user_id"`
	UserName string    `json:"user_name,omitempty"`
	Name     string    `json:"name"`
	Sent     time.Time `json:"sent"`
}

// TextMessage is plain text typed by a user.
type TextMessage struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Text     string `json:"text"`
}

// Document is a file uploaded by a user.
type Document struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data"`
}

// Notice is a text reply to a user.
type Notice struct {
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}

// ChatAction asks the gateway to show an activity indicator.
type ChatAction struct {
	UserID int64  `json:"user_id"`
	Action string `json:"action"`
}

// AudioUpload asks the gateway to send an audio file. The gateway answers
// with a FileAck on the reply subject.
type AudioUpload struct {
	UserID   int64  `json:"user_id"`
	FileName string `json:"file_name"`
	Title    string `json:"title,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Data     []byte `json:"data"`
}

// FileAck is the gateway's answer to an AudioUpload. Retryable is set when
// the chat platform failed transiently.
type FileAck struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Presence is published on every heartbeat and returned on status requests.
type Presence struct {
	InstanceID string    `json:"instance_id"`
	Workers    int       `json:"workers"`
	Sessions   int       `json:"sessions"`
	StartedAt  time.Time `json:"started_at"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectInboundCommand  = "narrator.inbound.command"
	SubjectInboundText     = "narrator.inbound.text"
	SubjectInboundDocument = "narrator.inbound.document"

	SubjectOutboundNotice   = "narrator.outbound.notice"
	SubjectOutboundActivity = "narrator.outbound.activity"
	SubjectOutboundFile     = "narrator.outbound.file"

	SubjectPresenceHeartbeat = "narrator.ctrl.heartbeat"
	SubjectPresenceStatus    = "narrator.ctrl.status"
)
