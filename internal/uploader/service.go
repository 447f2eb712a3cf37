package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wael22/spovio-backend-main-sub001/internal/models"
	"github.com/wael22/spovio-backend-main-sub001/pkg/queue"
)

// completedRetention is how long terminal tasks stay queryable in memory.
const completedRetention = time.Hour

// CDN is the remote video store the workers push to.
type CDN interface {
	CreateVideo(ctx context.Context, title string) (string, error)
	UploadVideo(ctx context.Context, guid, localPath string) error
	PlaybackURL(guid string) string
}

// TaskQueue is the durable pending-job queue.
type TaskQueue interface {
	Enqueue(ctx context.Context, job *queue.UploadJob) error
	Dequeue(ctx context.Context) (*queue.UploadJob, error)
	Len(ctx context.Context) (int64, error)
}

// ResultSink receives terminal upload outcomes, keyed by the video row the
// recording finalizer persisted.
type ResultSink interface {
	MarkUploading(ctx context.Context, videoID int64) error
	MarkUploaded(ctx context.Context, videoID int64, remoteID, remoteURL string) error
	MarkUploadFailed(ctx context.Context, videoID int64, reason string) error
}

// Notifier delivers fire-and-forget user notifications.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind, title, message string) error
}

// Stats are cumulative counters for the life of the service.
type Stats struct {
	Queued        uint64 `json:"queued"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	BytesUploaded uint64 `json:"bytes_uploaded"`
}

// Service runs the upload worker pool. Each worker owns one task at a time,
// including all of its retries, so the pool size bounds concurrent uploads.
type Service struct {
	cdn        CDN
	tasks      TaskQueue
	sink       ResultSink
	notifier   Notifier
	logger     *zap.Logger
	workers    int
	maxRetries int
	retryDelay time.Duration

	mu      sync.Mutex
	byID    map[string]*Task
	stopped bool

	queued        atomic.Uint64
	completed     atomic.Uint64
	failed        atomic.Uint64
	bytesUploaded atomic.Uint64

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration)
}

// NewService wires the upload service. sink may be nil when no durable store
// is attached (immediate uploads still work).
func NewService(cdn CDN, tasks TaskQueue, sink ResultSink, workers, maxRetries int, retryDelay time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Service{
		cdn:        cdn,
		tasks:      tasks,
		sink:       sink,
		logger:     logger,
		workers:    workers,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		byID:       make(map[string]*Task),
		sleep:      sleepCtx,
	}
}

// SetNotifier attaches an optional notification sink for permanent upload
// failures.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained.
func (s *Service) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("upload worker pool starting", zap.Int("workers", s.workers))
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}
	s.wg.Wait()
}

func (s *Service) workerLoop(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := s.tasks.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			s.sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}
		s.process(ctx, s.adopt(job), log)
	}
}

// adopt resolves a dequeued job to its in-memory task, creating one when the
// job was enqueued by another process (or before a restart).
func (s *Service) adopt(job *queue.UploadJob) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byID[job.TaskID]; ok {
		return t
	}
	t := newTask(job.TaskID, job.LocalPath, job.Title)
	t.VideoID = job.VideoID
	t.SessionID = job.SessionID
	t.UserID = job.UserID
	t.DeleteAfterUpload = job.DeleteAfterUpload
	s.byID[t.ID] = t
	return t
}

// QueueUpload registers a task and pushes it onto the durable queue. Returns
// immediately; no network I/O happens on this path.
func (s *Service) QueueUpload(ctx context.Context, job *queue.UploadJob) (string, error) {
	if job.TaskID == "" {
		job.TaskID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", errors.New("upload service is shutting down")
	}
	t := newTask(job.TaskID, job.LocalPath, job.Title)
	t.VideoID = job.VideoID
	t.SessionID = job.SessionID
	t.UserID = job.UserID
	t.DeleteAfterUpload = job.DeleteAfterUpload
	s.byID[t.ID] = t
	s.pruneLocked()
	s.mu.Unlock()

	if err := s.tasks.Enqueue(ctx, job); err != nil {
		s.mu.Lock()
		delete(s.byID, t.ID)
		s.mu.Unlock()
		return "", fmt.Errorf("enqueue upload: %w", err)
	}
	s.queued.Add(1)
	s.logger.Info("upload queued",
		zap.String("task_id", job.TaskID),
		zap.String("local_path", job.LocalPath))
	return job.TaskID, nil
}

// UploadImmediately uploads synchronously, bypassing the queue. Meant for
// small or urgent files.
func (s *Service) UploadImmediately(ctx context.Context, localPath, title string) (*TaskView, error) {
	t := newTask(uuid.New().String(), localPath, title)
	s.mu.Lock()
	s.byID[t.ID] = t
	s.mu.Unlock()

	s.process(ctx, t, s.logger)

	v := t.View()
	if v.Status != TaskCompleted {
		return &v, fmt.Errorf("upload %s: %s", localPath, v.LastError)
	}
	return &v, nil
}

// Status returns a snapshot of a known task, or nil.
func (s *Service) Status(taskID string) *TaskView {
	s.mu.Lock()
	t, ok := s.byID[taskID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	v := t.View()
	return &v
}

// Snapshot returns the cumulative stats counters.
func (s *Service) Snapshot() Stats {
	return Stats{
		Queued:        s.queued.Load(),
		Completed:     s.completed.Load(),
		Failed:        s.failed.Load(),
		BytesUploaded: s.bytesUploaded.Load(),
	}
}

// QueueDepth reports how many jobs sit in the durable queue, across all
// consumer processes.
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	return s.tasks.Len(ctx)
}

// Close stops accepting tasks and waits up to timeout for in-flight uploads.
func (s *Service) Close(timeout time.Duration) {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("upload workers drained")
	case <-time.After(timeout):
		s.logger.Warn("upload workers did not drain in time, abandoning in-flight tasks",
			zap.Duration("timeout", timeout))
	}
}

// process drives one task to a terminal state, retries included. The remote
// asset is created at most once; retries re-PUT the content only.
func (s *Service) process(ctx context.Context, t *Task, log *zap.Logger) {
	log = log.With(zap.String("task_id", t.ID), zap.String("local_path", t.LocalPath))

	info, err := os.Stat(t.LocalPath)
	if err != nil {
		t.recordFailure(fmt.Errorf("local file missing: %w", err))
		s.finish(ctx, t, false, log)
		return
	}
	t.setBytesTotal(info.Size())
	t.setStatus(TaskUploading)
	if s.sink != nil && t.VideoID != 0 {
		if err := s.sink.MarkUploading(ctx, t.VideoID); err != nil {
			log.Warn("mark uploading failed", zap.Error(err))
		}
	}

	for {
		remoteID, _ := t.remote()
		if remoteID == "" {
			id, err := s.cdn.CreateVideo(ctx, t.Title)
			if err == nil {
				remoteID = id
				t.setRemote(id, "")
			} else if !s.retryAfter(ctx, t, err, log) {
				s.finish(ctx, t, false, log)
				return
			} else {
				continue
			}
		}

		err := s.cdn.UploadVideo(ctx, remoteID, t.LocalPath)
		if err == nil || errors.Is(err, ErrAlreadyUploaded) {
			t.setRemote(remoteID, s.cdn.PlaybackURL(remoteID))
			s.finish(ctx, t, true, log)
			return
		}
		if !s.retryAfter(ctx, t, err, log) {
			s.finish(ctx, t, false, log)
			return
		}
	}
}

// retryAfter records the failure and sleeps out the backoff. Returns false
// once the retry budget is spent or the context is gone.
func (s *Service) retryAfter(ctx context.Context, t *Task, err error, log *zap.Logger) bool {
	attempt := t.recordFailure(err)
	if attempt >= s.maxRetries || ctx.Err() != nil {
		return false
	}
	delay := Backoff(attempt, s.retryDelay)
	log.Warn("upload attempt failed, backing off",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
	s.sleep(ctx, delay)
	return ctx.Err() == nil
}

func (s *Service) finish(ctx context.Context, t *Task, ok bool, log *zap.Logger) {
	remoteID, remoteURL := t.remote()
	if ok {
		t.setStatus(TaskCompleted)
		s.completed.Add(1)
		s.bytesUploaded.Add(uint64(t.View().BytesTotal))
		log.Info("upload completed",
			zap.String("remote_id", remoteID),
			zap.String("remote_url", remoteURL))
		if s.sink != nil && t.VideoID != 0 {
			s.reportResult(log, "upload result", func() error {
				return s.sink.MarkUploaded(ctx, t.VideoID, remoteID, remoteURL)
			})
		}
		if t.DeleteAfterUpload {
			if err := os.Remove(t.LocalPath); err != nil {
				log.Warn("delete local file failed", zap.Error(err))
			} else {
				log.Info("local file deleted after upload")
			}
		}
		return
	}

	// Permanent failure keeps the local file for a manual retry.
	t.setStatus(TaskFailed)
	s.failed.Add(1)
	v := t.View()
	log.Error("upload failed permanently",
		zap.Int("retries", v.Retries),
		zap.String("last_error", v.LastError))
	if s.sink != nil && t.VideoID != 0 {
		s.reportResult(log, "upload failure", func() error {
			return s.sink.MarkUploadFailed(ctx, t.VideoID, v.LastError)
		})
	}
	if s.notifier != nil && t.UserID != 0 {
		msg := fmt.Sprintf("Your recording %q could not be uploaded; it remains available locally.", t.Title)
		if err := s.notifier.Notify(ctx, t.UserID, models.NotificationUploadFailed, "Upload failed", msg); err != nil {
			log.Warn("notification delivery failed", zap.Error(err))
		}
	}
}

// reportResult writes a terminal outcome to the sink, retrying once. A lost
// outcome leaves the video row stale, so the final failure is loud.
func (s *Service) reportResult(log *zap.Logger, what string, fn func() error) {
	err := fn()
	if err == nil {
		return
	}
	log.Warn("record "+what+" failed, retrying", zap.Error(err))
	if err = fn(); err != nil {
		log.Error("record "+what+" failed permanently", zap.Error(err))
	}
}

// pruneLocked drops terminal tasks older than the retention window.
// Caller holds s.mu.
func (s *Service) pruneLocked() {
	cutoff := time.Now().UTC().Add(-completedRetention)
	for id, t := range s.byID {
		v := t.View()
		if v.CompletedAt != nil && v.CompletedAt.Before(cutoff) {
			delete(s.byID, id)
		}
	}
}
