// Package transport is the outbound side of the chat gateway.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Activity is a chat action shown to the user while work is in progress.
type Activity string

const (
	ActivityTyping      Activity = "typing"
	ActivityRecordVoice Activity = "record_voice"
	ActivityUploadVoice Activity = "upload_voice"
)

// File is an audio upload.
type File struct {
	Name    string
	Title   string
	Caption string
	Data    []byte
}

// Degraded returns the upload stripped of optional metadata.
func (f File) Degraded() File {
	return File{Name: f.Name, Data: f.Data}
}

// Transport delivers messages and files to a chat user.
type Transport interface {
	Notify(ctx context.Context, userID int64, text string) error
	SendFile(ctx context.Context, userID int64, file File) error
	IndicateActivity(ctx context.Context, userID int64, kind Activity) error
}

// Kind classifies a transport failure.
type Kind int

const (
	KindNetwork Kind = iota
	KindTimeout
	KindRejected
	// KindTooLarge means the encoded upload does not fit in one bus message.
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindTooLarge:
		return "too_large"
	default:
		return "network"
	}
}

// Error is returned by Transport implementations.
type Error struct {
	Kind Kind
	Op   string // "notify", "send_file", "activity"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s error [%s]: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRejected reports whether err is a permanent rejection by the gateway.
func IsRejected(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == KindRejected
}

// IsTooLarge reports whether err means the file must shrink before it can
// be sent at all.
func IsTooLarge(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == KindTooLarge
}

// IsRetryable reports whether err is worth another attempt as is. Errors of
// unknown origin are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind != KindRejected && terr.Kind != KindTooLarge
	}
	return !errors.Is(err, context.Canceled)
}
