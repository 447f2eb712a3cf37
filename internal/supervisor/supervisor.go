package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wael22/spovio-backend-main-sub001/internal/capture"
	"github.com/wael22/spovio-backend-main-sub001/internal/models"
	"github.com/wael22/spovio-backend-main-sub001/pkg/queue"
)

const (
	// fileWaitTimeout bounds the wait for the capture tool to flush its
	// output after exit.
	fileWaitTimeout = 10 * time.Second
	fileWaitPoll    = 500 * time.Millisecond
	// stopTimeout is how long a graceful capture stop may take before
	// escalating to signals.
	stopTimeout = 10 * time.Second
	// sourceCheckTimeout bounds the camera reachability probe.
	sourceCheckTimeout = 8 * time.Second
)

// CaptureRunner launches and inspects capture processes.
type CaptureRunner interface {
	Start(ctx context.Context, p capture.StartParams) (capture.ProcessHandle, error)
	Probe(path string) (*capture.MediaInfo, error)
	ExtractThumbnail(videoPath, thumbPath string) error
	CheckSource(ctx context.Context, url string, kind capture.SourceKind) bool
}

// Store persists the durable record of a session.
type Store interface {
	SaveVideo(ctx context.Context, v *models.Video) error
}

// UploadQueue submits finished files for asynchronous CDN upload.
type UploadQueue interface {
	QueueUpload(ctx context.Context, job *queue.UploadJob) (string, error)
}

// Notifier delivers fire-and-forget user notifications. Failures are logged,
// never propagated.
type Notifier interface {
	Notify(ctx context.Context, userID int64, kind, title, message string) error
}

// SourceResolver swaps a camera URL for a stable relay endpoint, when a
// relay layer is configured.
type SourceResolver interface {
	Resolve(ctx context.Context, courtID int64, sourceURL string) (string, error)
	Release(courtID int64)
}

// Config carries the supervisor's tuning knobs.
type Config struct {
	MaxConcurrent   int
	DefaultDuration time.Duration
	MaxDuration     time.Duration
	MinDiskBytes    int64
	MinFileBytes    int64
	DefaultQuality  string
	TempDir         string
	VideoDir        string
	ThumbnailDir    string
	MonitorInterval time.Duration
	KeepLocalFiles  bool
	SkipSourceCheck bool
}

// Supervisor is the authoritative coordinator for recording sessions. It is
// the single writer of session state; the HTTP layer only reads views.
type Supervisor struct {
	cfg      Config
	runner   CaptureRunner
	store    Store
	uploads  UploadQueue
	notifier Notifier
	resolver SourceResolver
	logger   *zap.Logger

	// diskFree and the file-wait knobs are swapped out in tests.
	diskFree     func(path string) (uint64, error)
	fileWaitMax  time.Duration
	fileWaitStep time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	monitorStop    chan struct{}
	monitorDone    chan struct{}
	monitorStarted atomic.Bool
}

// New wires a supervisor. uploads, notifier and resolver may be nil when the
// corresponding collaborator is not configured.
func New(cfg Config, runner CaptureRunner, store Store, uploads UploadQueue, notifier Notifier, resolver SourceResolver, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 3 * time.Second
	}
	return &Supervisor{
		cfg:         cfg,
		runner:      runner,
		store:       store,
		uploads:     uploads,
		notifier:    notifier,
		resolver:    resolver,
		logger:      logger,
		diskFree:     capture.DiskFree,
		fileWaitMax:  fileWaitTimeout,
		fileWaitStep: fileWaitPoll,
		sessions:     make(map[string]*Session),
		monitorStop:  make(chan struct{}),
		monitorDone:  make(chan struct{}),
	}
}

// StartRequest is one recording start order.
type StartRequest struct {
	UserID    int64
	CourtID   int64
	MatchID   *int64
	ClubID    *int64
	Title     string
	SourceURL string
	// MaxDuration of zero means the configured default; values above the
	// configured maximum are clamped.
	MaxDuration time.Duration
	Quality     string
	// KeepLocal / Upload override the deployment defaults when non-nil.
	KeepLocal *bool
	Upload    *bool
}

// Start checks preconditions, registers the session, and launches the
// capture process. Precondition failures are typed errors with no side
// effects.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*SessionView, error) {
	maxDur := req.MaxDuration
	if maxDur <= 0 {
		maxDur = s.cfg.DefaultDuration
	}
	if maxDur > s.cfg.MaxDuration {
		maxDur = s.cfg.MaxDuration
	}
	quality := req.Quality
	if quality == "" {
		quality = s.cfg.DefaultQuality
	}

	sess, err := s.register(req, maxDur, quality)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("session_id", sess.ID), zap.Int64("court_id", sess.CourtID))

	sourceURL := sess.SourceURL
	if s.resolver != nil {
		resolved, err := s.resolver.Resolve(ctx, sess.CourtID, sourceURL)
		if err != nil {
			log.Warn("camera relay unavailable, recording direct from source", zap.Error(err))
		} else {
			sourceURL = resolved
		}
	}

	if !s.cfg.SkipSourceCheck {
		checkCtx, cancel := context.WithTimeout(ctx, sourceCheckTimeout)
		reachable := s.runner.CheckSource(checkCtx, sourceURL, sess.Kind)
		cancel()
		if !reachable {
			s.abortStart(ctx, sess, "camera source unreachable: "+sess.SourceURL)
			return nil, ErrSourceUnreachable
		}
	}

	sess.setState(StateStarting)
	handle, err := s.runner.Start(ctx, capture.StartParams{
		SourceURL:   sourceURL,
		SourceKind:  sess.Kind,
		OutputPath:  sess.TempPath,
		Quality:     sess.Quality,
		MaxDuration: maxDur + time.Minute, // monitor loop enforces the real cap
		OnLine:      sess.observeLine,
	})
	if err != nil {
		s.abortStart(ctx, sess, err.Error())
		return nil, fmt.Errorf("start capture: %w", err)
	}

	sess.setHandle(handle)
	sess.setState(StateRecording)

	// Write the row up front so a crash mid-recording leaves a durable
	// trace; the startup sweep turns orphaned 'recording' rows into
	// 'failed'. Finalization upserts over it.
	if err := s.store.SaveVideo(ctx, s.buildVideo(sess, models.VideoStatusRecording, nil, "")); err != nil {
		log.Error("save initial recording row failed", zap.Error(err))
	}

	log.Info("recording started",
		zap.Int("pid", handle.PID()),
		zap.Duration("max_duration", maxDur),
		zap.String("quality", sess.Quality))

	v := sess.View()
	return &v, nil
}

// register runs the precondition checks and inserts the session under one
// lock hold, so two concurrent starts cannot both claim the last slot or the
// same court.
func (s *Supervisor) register(req StartRequest, maxDur time.Duration, quality string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("supervisor is shut down")
	}
	if len(s.sessions) >= s.cfg.MaxConcurrent {
		return nil, ErrConcurrencyLimit
	}
	free, err := s.diskFree(s.cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("check disk space: %w", err)
	}
	if free < uint64(s.cfg.MinDiskBytes) {
		return nil, ErrInsufficientDisk
	}
	for _, other := range s.sessions {
		if other.CourtID == req.CourtID {
			return nil, ErrCourtBusy
		}
	}

	id := uuid.New().String()
	sess := newSession(id)
	sess.UserID = req.UserID
	sess.CourtID = req.CourtID
	sess.MatchID = req.MatchID
	sess.ClubID = req.ClubID
	sess.SourceURL = req.SourceURL
	sess.Kind = capture.DetectSourceKind(req.SourceURL)
	sess.Quality = quality
	sess.MaxDur = maxDur
	sess.Title = req.Title
	if sess.Title == "" {
		sess.Title = fmt.Sprintf("Court %d - %s", req.CourtID, time.Now().Format("2006-01-02 15:04"))
	}
	filename := fmt.Sprintf("rec_%s.mp4", id)
	sess.TempPath = filepath.Join(s.cfg.TempDir, filename)
	sess.FinalPath = filepath.Join(s.cfg.VideoDir, filename)
	sess.KeepLocal = s.cfg.KeepLocalFiles
	if req.KeepLocal != nil {
		sess.KeepLocal = *req.KeepLocal
	}
	sess.Upload = true
	if req.Upload != nil {
		sess.Upload = *req.Upload
	}

	s.sessions[id] = sess
	return sess, nil
}

// abortStart marks a session that never reached recording as errored,
// persists it for history, and frees its court.
func (s *Supervisor) abortStart(ctx context.Context, sess *Session, msg string) {
	sess.setFailure(StateError, msg)
	s.logger.Error("recording failed to start",
		zap.String("session_id", sess.ID),
		zap.Int64("court_id", sess.CourtID),
		zap.String("error", msg))
	s.persist(ctx, sess, models.VideoStatusError, nil, "")
	s.remove(sess)
}

// Stop requests the end of a session. Idempotent: stopping an already
// terminal or mid-stop session returns its view with ErrAlreadyStopped.
func (s *Supervisor) Stop(ctx context.Context, sessionID, reason string) (*SessionView, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	if !sess.markStopping(reason) {
		v := sess.View()
		return &v, ErrAlreadyStopped
	}

	log := s.logger.With(zap.String("session_id", sess.ID), zap.String("reason", reason))
	log.Info("stopping recording")

	if h := sess.getHandle(); h != nil {
		graceful := h.Stop(stopTimeout)
		if !graceful {
			log.Warn("capture process had to be killed")
		}
	}

	s.finalize(ctx, sess, log)
	v := sess.View()
	return &v, nil
}

// finalize validates and publishes the session's output file, then retires
// the session from the active table.
func (s *Supervisor) finalize(ctx context.Context, sess *Session, log *zap.Logger) {
	sess.setState(StateProcessing)
	defer s.remove(sess)

	size, err := s.waitForFile(sess.TempPath)
	if err != nil {
		s.failSession(ctx, sess, log, fmt.Sprintf("output file invalid: %v", err))
		return
	}
	if size < s.cfg.MinFileBytes {
		s.failSession(ctx, sess, log, fmt.Sprintf("output file too small (%d bytes), capture was likely corrupt", size))
		return
	}

	if err := moveFile(sess.TempPath, sess.FinalPath); err != nil {
		s.failSession(ctx, sess, log, fmt.Sprintf("move recording into place: %v", err))
		return
	}

	var info *capture.MediaInfo
	if info, err = s.runner.Probe(sess.FinalPath); err != nil {
		log.Warn("probe of finished recording failed", zap.Error(err))
		info = nil
	}

	thumbPath := filepath.Join(s.cfg.ThumbnailDir, fmt.Sprintf("rec_%s.jpg", sess.ID))
	if err := s.runner.ExtractThumbnail(sess.FinalPath, thumbPath); err != nil {
		log.Warn("thumbnail extraction failed", zap.Error(err))
		thumbPath = ""
	}

	video := s.persist(ctx, sess, models.VideoStatusCompleted, info, thumbPath)
	if video == nil {
		s.failSession(ctx, sess, log, "recording saved to disk but its database record could not be written")
		return
	}

	if sess.Upload && s.uploads != nil {
		_, err := s.uploads.QueueUpload(ctx, &queue.UploadJob{
			LocalPath:         sess.FinalPath,
			Title:             sess.Title,
			VideoID:           video.ID,
			SessionID:         sess.ID,
			UserID:            sess.UserID,
			DeleteAfterUpload: !sess.KeepLocal,
		})
		if err != nil {
			log.Error("queue upload failed, file stays local", zap.Error(err))
		}
	}

	sess.setState(StateCompleted)
	log.Info("recording finalized",
		zap.Int64("video_id", video.ID),
		zap.Int64("file_size", size),
		zap.String("path", sess.FinalPath))
	s.notify(ctx, sess.UserID, models.NotificationRecordingReady,
		"Recording ready", fmt.Sprintf("Your recording %q has finished.", sess.Title))
}

func (s *Supervisor) failSession(ctx context.Context, sess *Session, log *zap.Logger, msg string) {
	sess.setFailure(StateFailed, msg)
	log.Error("recording failed", zap.String("error", msg))
	s.persist(ctx, sess, models.VideoStatusFailed, nil, "")
	s.notify(ctx, sess.UserID, models.NotificationRecordingFailed,
		"Recording failed", fmt.Sprintf("Your recording %q could not be completed.", sess.Title))
}

// persist writes the durable row for a session. Losing this row after a
// successful recording is a data-loss bug, so the write is retried before
// giving up. Returns nil only when every attempt failed.
func (s *Supervisor) persist(ctx context.Context, sess *Session, status string, info *capture.MediaInfo, thumbPath string) *models.Video {
	video := s.buildVideo(sess, status, info, thumbPath)

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = s.store.SaveVideo(ctx, video); err == nil {
			return video
		}
		s.logger.Error("save video record failed",
			zap.String("session_id", sess.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < 3 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}
	return nil
}

// buildVideo maps the session snapshot onto its durable row.
func (s *Supervisor) buildVideo(sess *Session, status string, info *capture.MediaInfo, thumbPath string) *models.Video {
	v := sess.View()
	video := &models.Video{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		CourtID:      sess.CourtID,
		MatchID:      sess.MatchID,
		ClubID:       sess.ClubID,
		Title:        sess.Title,
		Status:       status,
		UploadStatus: models.UploadStatusDisabled,
		Error:        v.Error,
		RecordedAt:   v.StartedAt,
		EndedAt:      v.EndedAt,
	}
	if status == models.VideoStatusCompleted {
		video.FileURL = sess.FinalPath
		video.ThumbnailURL = thumbPath
		video.Duration = v.ElapsedSeconds
		if info != nil {
			video.Duration = int(info.Duration)
			video.FileSize = info.Size
		}
		if sess.Upload {
			video.UploadStatus = models.UploadStatusPending
		}
	}
	return video
}

func (s *Supervisor) notify(ctx context.Context, userID int64, kind, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, kind, title, message); err != nil {
		s.logger.Warn("notification delivery failed", zap.Error(err))
	}
}

// remove retires a session from the active table and frees its relay.
func (s *Supervisor) remove(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	if s.resolver != nil {
		s.resolver.Release(sess.CourtID)
	}
}

// waitForFile polls until the output file exists with a stable size. The
// capture tool may still be flushing just after exit.
func (s *Supervisor) waitForFile(path string) (int64, error) {
	deadline := time.Now().Add(s.fileWaitMax)
	var lastSize int64 = -1
	for {
		info, err := os.Stat(path)
		if err == nil && info.Size() > 0 && info.Size() == lastSize {
			return info.Size(), nil
		}
		if err == nil {
			lastSize = info.Size()
		}
		if time.Now().After(deadline) {
			if err != nil {
				return 0, fmt.Errorf("file never appeared: %w", err)
			}
			return info.Size(), nil
		}
		time.Sleep(s.fileWaitStep)
	}
}

// moveFile renames across directories, falling back to copy+remove when the
// temp and final dirs sit on different filesystems.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Status returns a snapshot of an active session.
func (s *Supervisor) Status(sessionID string) (*SessionView, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	v := sess.View()
	return &v, nil
}

// ListActive snapshots every session still in the table.
func (s *Supervisor) ListActive() []SessionView {
	s.mu.Lock()
	views := make([]SessionView, 0, len(s.sessions))
	for _, sess := range s.sessions {
		views = append(views, sess.View())
	}
	s.mu.Unlock()
	return views
}

// RunMonitor runs the periodic liveness/timeout scan until Close.
func (s *Supervisor) RunMonitor() {
	s.monitorStarted.Store(true)
	defer close(s.monitorDone)
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.monitorStop:
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

// scan checks every recording session for process death and duration
// overrun. One session's panic never aborts the rest of the sweep.
func (s *Supervisor) scan() {
	s.mu.Lock()
	active := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	for _, sess := range active {
		s.checkSession(sess)
	}
}

func (s *Supervisor) checkSession(sess *Session) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("monitor check panicked",
				zap.String("session_id", sess.ID),
				zap.Any("panic", r))
		}
	}()

	if sess.currentState() != StateRecording {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if h := sess.getHandle(); h != nil && !h.Running() {
		s.logger.Warn("capture process exited on its own",
			zap.String("session_id", sess.ID),
			zap.String("last_line", h.LastLine()))
		_, _ = s.Stop(ctx, sess.ID, ReasonProcessEnded)
		return
	}
	if sess.elapsed() >= sess.MaxDur {
		s.logger.Info("recording reached its duration limit",
			zap.String("session_id", sess.ID),
			zap.Duration("max_duration", sess.MaxDur))
		_, _ = s.Stop(ctx, sess.ID, ReasonTimeout)
	}
}

// Close stops the monitor and finalizes every active session.
func (s *Supervisor) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	close(s.monitorStop)
	if s.monitorStarted.Load() {
		<-s.monitorDone
	}

	for _, id := range ids {
		if _, err := s.Stop(ctx, id, ReasonShutdown); err != nil && err != ErrAlreadyStopped && err != ErrNotFound {
			s.logger.Error("shutdown stop failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	s.logger.Info("recording supervisor stopped", zap.Int("sessions_finalized", len(ids)))
}
