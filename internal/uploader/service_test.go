package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wael22/spovio-backend-main-sub001/pkg/queue"
)

// fakeCDN scripts per-call outcomes and counts create/upload invocations.
type fakeCDN struct {
	mu          sync.Mutex
	createCalls int
	uploadCalls int
	createErr   error
	uploadErrs  []error // consumed per call; nil entry means success
}

func (f *fakeCDN) CreateVideo(ctx context.Context, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return fmt.Sprintf("guid-%d", f.createCalls), nil
}

func (f *fakeCDN) UploadVideo(ctx context.Context, guid, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
		return err
	}
	return nil
}

func (f *fakeCDN) PlaybackURL(guid string) string {
	return "https://cdn.test/" + guid + "/play.mp4"
}

func (f *fakeCDN) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.uploadCalls
}

// memQueue is an in-process TaskQueue for tests.
type memQueue struct {
	mu   sync.Mutex
	jobs []*queue.UploadJob
}

func (q *memQueue) Enqueue(ctx context.Context, job *queue.UploadJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

func (q *memQueue) Dequeue(ctx context.Context) (*queue.UploadJob, error) {
	q.mu.Lock()
	if len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return job, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

// recordingSink captures terminal outcomes per video id. uploadedErrs
// scripts one error per MarkUploaded call before it starts succeeding.
type recordingSink struct {
	mu           sync.Mutex
	uploading    []int64
	uploaded     map[int64]string
	failed       map[int64]string
	uploadedErrs []error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{uploaded: map[int64]string{}, failed: map[int64]string{}}
}

func (s *recordingSink) MarkUploading(ctx context.Context, videoID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploading = append(s.uploading, videoID)
	return nil
}

func (s *recordingSink) MarkUploaded(ctx context.Context, videoID int64, remoteID, remoteURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.uploadedErrs) > 0 {
		err := s.uploadedErrs[0]
		s.uploadedErrs = s.uploadedErrs[1:]
		return err
	}
	s.uploaded[videoID] = remoteURL
	return nil
}

func (s *recordingSink) MarkUploadFailed(ctx context.Context, videoID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[videoID] = reason
	return nil
}

func newTestService(cdn CDN, sink ResultSink, maxRetries int) (*Service, *memQueue) {
	q := &memQueue{}
	s := NewService(cdn, q, sink, 1, maxRetries, time.Millisecond, nil)
	s.sleep = func(ctx context.Context, d time.Duration) {}
	return s, q
}

func tempFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "match.mp4")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestProcessSuccess(t *testing.T) {
	cdn := &fakeCDN{}
	sink := newRecordingSink()
	s, _ := newTestService(cdn, sink, 3)

	path := tempFile(t, 4096)
	task := newTask("t1", path, "Court 1")
	task.VideoID = 7
	s.process(context.Background(), task, s.logger)

	v := task.View()
	assert.Equal(t, TaskCompleted, v.Status)
	assert.Equal(t, "guid-1", v.RemoteID)
	assert.Equal(t, "https://cdn.test/guid-1/play.mp4", v.RemoteURL)
	assert.Equal(t, int64(4096), v.BytesTotal)
	assert.Equal(t, "https://cdn.test/guid-1/play.mp4", sink.uploaded[7])
	assert.Equal(t, []int64{7}, sink.uploading)

	// Local file kept: DeleteAfterUpload not set.
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestProcessRetriesReuseRemoteID(t *testing.T) {
	cdn := &fakeCDN{uploadErrs: []error{errors.New("connection reset"), errors.New("gateway timeout"), nil}}
	s, _ := newTestService(cdn, nil, 5)

	task := newTask("t1", tempFile(t, 1024), "Court 2")
	s.process(context.Background(), task, s.logger)

	creates, uploads := cdn.calls()
	assert.Equal(t, 1, creates, "create asset must be called exactly once")
	assert.Equal(t, 3, uploads)
	v := task.View()
	assert.Equal(t, TaskCompleted, v.Status)
	assert.Equal(t, 2, v.Retries)
}

func TestProcessExhaustsRetries(t *testing.T) {
	cdn := &fakeCDN{uploadErrs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	sink := newRecordingSink()
	s, _ := newTestService(cdn, sink, 3)

	path := tempFile(t, 1024)
	task := newTask("t1", path, "Court 2")
	task.VideoID = 9
	task.DeleteAfterUpload = true
	s.process(context.Background(), task, s.logger)

	creates, uploads := cdn.calls()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 3, uploads)
	v := task.View()
	assert.Equal(t, TaskFailed, v.Status)
	assert.Contains(t, v.LastError, "boom")
	assert.Contains(t, sink.failed[9], "boom")

	// A permanently failed upload never deletes the local file.
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestProcessAlreadyUploadedIsSuccess(t *testing.T) {
	cdn := &fakeCDN{uploadErrs: []error{ErrAlreadyUploaded}}
	s, _ := newTestService(cdn, nil, 3)

	task := newTask("t1", tempFile(t, 1024), "Court 3")
	s.process(context.Background(), task, s.logger)

	v := task.View()
	assert.Equal(t, TaskCompleted, v.Status)
	assert.Zero(t, v.Retries)
	assert.Equal(t, "guid-1", v.RemoteID)
}

func TestProcessDeletesFileWhenAsked(t *testing.T) {
	cdn := &fakeCDN{}
	s, _ := newTestService(cdn, nil, 3)

	path := tempFile(t, 1024)
	task := newTask("t1", path, "Court 1")
	task.DeleteAfterUpload = true
	s.process(context.Background(), task, s.logger)

	assert.Equal(t, TaskCompleted, task.View().Status)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestProcessMissingFileFailsFast(t *testing.T) {
	cdn := &fakeCDN{}
	s, _ := newTestService(cdn, nil, 3)

	task := newTask("t1", "/nonexistent/match.mp4", "Court 1")
	s.process(context.Background(), task, s.logger)

	assert.Equal(t, TaskFailed, task.View().Status)
	creates, uploads := cdn.calls()
	assert.Zero(t, creates)
	assert.Zero(t, uploads)
}

func TestSinkFailureRetriedOnce(t *testing.T) {
	cdn := &fakeCDN{}
	sink := newRecordingSink()
	sink.uploadedErrs = []error{errors.New("db hiccup")}
	s, _ := newTestService(cdn, sink, 3)

	task := newTask("t-sink", tempFile(t, 512), "Court 2")
	task.VideoID = 9
	s.process(context.Background(), task, s.logger)

	assert.Equal(t, TaskCompleted, task.View().Status)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.uploaded, int64(9), "second sink attempt records the result")
}

func TestQueueUploadAndStatus(t *testing.T) {
	cdn := &fakeCDN{}
	s, q := newTestService(cdn, nil, 3)

	id, err := s.QueueUpload(context.Background(), &queue.UploadJob{
		LocalPath: tempFile(t, 512),
		Title:     "Court 4 - Evening",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	view := s.Status(id)
	require.NotNil(t, view)
	assert.Equal(t, TaskPending, view.Status)
	assert.Nil(t, s.Status("no-such-task"))

	q.mu.Lock()
	assert.Len(t, q.jobs, 1)
	assert.Equal(t, id, q.jobs[0].TaskID)
	q.mu.Unlock()

	depth, err := s.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestWorkerPoolDrainsQueue(t *testing.T) {
	cdn := &fakeCDN{}
	s, _ := newTestService(cdn, nil, 3)

	id, err := s.QueueUpload(context.Background(), &queue.UploadJob{
		LocalPath: tempFile(t, 512),
		Title:     "Court 1",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		v := s.Status(id)
		return v != nil && v.Status == TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop")
	}

	stats := s.Snapshot()
	assert.Equal(t, uint64(1), stats.Queued)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, uint64(512), stats.BytesUploaded)
}

func TestUploadImmediately(t *testing.T) {
	cdn := &fakeCDN{}
	s, q := newTestService(cdn, nil, 3)

	view, err := s.UploadImmediately(context.Background(), tempFile(t, 256), "Urgent clip")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, view.Status)
	assert.NotEmpty(t, view.RemoteURL)

	// The queue is bypassed entirely.
	q.mu.Lock()
	assert.Empty(t, q.jobs)
	q.mu.Unlock()
}

func TestQueueUploadRejectedAfterClose(t *testing.T) {
	cdn := &fakeCDN{}
	s, _ := newTestService(cdn, nil, 3)
	s.Close(100 * time.Millisecond)

	_, err := s.QueueUpload(context.Background(), &queue.UploadJob{LocalPath: "x", Title: "y"})
	assert.Error(t, err)
}
