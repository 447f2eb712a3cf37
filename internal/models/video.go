package models

import "time"

// Video lifecycle states. A row is written when a recording finalizes (or
// fails to start), so failed sessions stay visible in history.
const (
	VideoStatusRecording = "recording"
	VideoStatusCompleted = "completed"
	VideoStatusFailed    = "failed"
	VideoStatusError     = "error"
)

// Upload sub-states, tracked independently of the recording status.
const (
	UploadStatusPending   = "pending"
	UploadStatusUploading = "uploading"
	UploadStatusCompleted = "completed"
	UploadStatusFailed    = "failed"
	UploadStatusDisabled  = "disabled"
)

// Video is the durable record of one recording session.
type Video struct {
	ID           int64      `json:"id"`
	SessionID    string     `json:"session_id"`
	UserID       int64      `json:"user_id"`
	CourtID      int64      `json:"court_id"`
	MatchID      *int64     `json:"match_id,omitempty"`
	ClubID       *int64     `json:"club_id,omitempty"`
	Title        string     `json:"title"`
	FileURL      string     `json:"file_url,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	Duration     int        `json:"duration_seconds"`
	FileSize     int64      `json:"file_size"`
	Status       string     `json:"status"`
	UploadStatus string     `json:"upload_status"`
	BunnyVideoID string     `json:"bunny_video_id,omitempty"`
	Error        string     `json:"error,omitempty"`
	RecordedAt   *time.Time `json:"recorded_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
