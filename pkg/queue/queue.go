package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// QueueUploads is the Redis list key for pending CDN upload jobs.
const QueueUploads = "spovio:uploads:pending"

// dequeueBlock bounds each BLPop so consumers can observe context cancellation.
const dequeueBlock = 5 * time.Second

// UploadJob is the durable envelope for one CDN upload.
type UploadJob struct {
	TaskID            string    `json:"task_id"`
	LocalPath         string    `json:"local_path"`
	Title             string    `json:"title"`
	VideoID           int64     `json:"video_id"`
	SessionID         string    `json:"session_id"`
	UserID            int64     `json:"user_id"`
	DeleteAfterUpload bool      `json:"delete_after_upload"`
	CreatedAt         time.Time `json:"created_at"`
}

// Queue enqueues and dequeues upload jobs via a Redis list, so pending
// uploads survive a process restart.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a Redis-backed upload job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// Enqueue pushes a job onto the pending list. Never blocks on the consumer side.
func (q *Queue) Enqueue(ctx context.Context, job *UploadJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueUploads, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued upload job",
		zap.String("task_id", job.TaskID),
		zap.String("local_path", job.LocalPath))
	return nil
}

// Dequeue blocks up to a few seconds for a job. Returns (nil, nil) when the
// wait timed out with nothing pending; callers loop.
func (q *Queue) Dequeue(ctx context.Context) (*UploadJob, error) {
	result, err := q.client.BLPop(ctx, dequeueBlock, QueueUploads).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job UploadJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid upload job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Len returns the number of pending jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueUploads).Result()
}
