package models

import "time"

// Notification kinds emitted by the recording pipeline.
const (
	NotificationRecordingReady  = "recording_ready"
	NotificationRecordingFailed = "recording_failed"
	NotificationUploadFailed    = "upload_failed"
)

// Notification is a user-facing event message.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
