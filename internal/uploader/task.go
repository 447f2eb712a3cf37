package uploader

import (
	"sync"
	"time"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskUploading  = "uploading"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task tracks one CDN upload from enqueue to a terminal state.
type Task struct {
	mu sync.Mutex

	ID                string
	LocalPath         string
	Title             string
	VideoID           int64
	SessionID         string
	UserID            int64
	DeleteAfterUpload bool

	status      string
	retries     int
	remoteID    string
	remoteURL   string
	lastError   string
	bytesTotal  int64
	createdAt   time.Time
	completedAt time.Time
}

func newTask(id, localPath, title string) *Task {
	return &Task{
		ID:        id,
		LocalPath: localPath,
		Title:     title,
		status:    TaskPending,
		createdAt: time.Now().UTC(),
	}
}

func (t *Task) setStatus(status string) {
	t.mu.Lock()
	t.status = status
	if status == TaskCompleted || status == TaskFailed {
		t.completedAt = time.Now().UTC()
	}
	t.mu.Unlock()
}

func (t *Task) setRemote(id, url string) {
	t.mu.Lock()
	t.remoteID = id
	t.remoteURL = url
	t.mu.Unlock()
}

func (t *Task) remote() (string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteID, t.remoteURL
}

func (t *Task) recordFailure(err error) int {
	t.mu.Lock()
	t.retries++
	t.lastError = err.Error()
	retries := t.retries
	t.mu.Unlock()
	return retries
}

func (t *Task) setBytesTotal(n int64) {
	t.mu.Lock()
	t.bytesTotal = n
	t.mu.Unlock()
}

// TaskView is a point-in-time snapshot safe to serialize.
type TaskView struct {
	ID          string     `json:"id"`
	LocalPath   string     `json:"local_path"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	Retries     int        `json:"retries"`
	RemoteID    string     `json:"remote_id,omitempty"`
	RemoteURL   string     `json:"remote_url,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	BytesTotal  int64      `json:"bytes_total"`
	SessionID   string     `json:"session_id,omitempty"`
	VideoID     int64      `json:"video_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// View snapshots the task under its lock.
func (t *Task) View() TaskView {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := TaskView{
		ID:         t.ID,
		LocalPath:  t.LocalPath,
		Title:      t.Title,
		Status:     t.status,
		Retries:    t.retries,
		RemoteID:   t.remoteID,
		RemoteURL:  t.remoteURL,
		LastError:  t.lastError,
		BytesTotal: t.bytesTotal,
		SessionID:  t.SessionID,
		VideoID:    t.VideoID,
		CreatedAt:  t.createdAt,
	}
	if !t.completedAt.IsZero() {
		done := t.completedAt
		v.CompletedAt = &done
	}
	return v
}
