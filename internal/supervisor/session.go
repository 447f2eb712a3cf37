// Package supervisor owns the recording session state machine: it launches
// captures, watches them, and finalizes their output.
package supervisor

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/wael22/spovio-backend-main-sub001/internal/capture"
)

// Session lifecycle states.
const (
	StateCreated    = "created"
	StateStarting   = "starting"
	StateRecording  = "recording"
	StateStopping   = "stopping"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateError      = "error"
	StateFailed     = "failed"
)

// Stop reasons, recorded on the session for audit.
const (
	ReasonManual       = "manual"
	ReasonTimeout      = "timeout"
	ReasonProcessEnded = "process_ended"
	ReasonShutdown     = "shutdown"
)

// EncoderStats are advisory live numbers parsed from the capture tool's
// progress lines.
type EncoderStats struct {
	Frames   int64   `json:"frames"`
	FPS      float64 `json:"fps"`
	BitrateK float64 `json:"bitrate_kbps"`
	LastLine string  `json:"last_line,omitempty"`
}

// Session is one recording from start request to finalization. Only the
// supervisor mutates it; everyone else reads through View().
type Session struct {
	ID        string
	UserID    int64
	CourtID   int64
	MatchID   *int64
	ClubID    *int64
	Title     string
	SourceURL string
	Kind      capture.SourceKind
	Quality   string
	MaxDur    time.Duration
	TempPath  string
	FinalPath string
	KeepLocal bool
	Upload    bool

	mu         sync.Mutex
	state      string
	stopReason string
	errMsg     string
	createdAt  time.Time
	startedAt  time.Time
	endedAt    time.Time
	handle     capture.ProcessHandle
	stats      EncoderStats
}

func newSession(id string) *Session {
	return &Session{ID: id, state: StateCreated, createdAt: time.Now().UTC()}
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	if state == StateRecording && s.startedAt.IsZero() {
		s.startedAt = time.Now().UTC()
	}
	// The session leaves recording at processing, so that's when the
	// capture effectively ended.
	switch state {
	case StateProcessing, StateCompleted, StateError, StateFailed:
		if s.endedAt.IsZero() {
			s.endedAt = time.Now().UTC()
		}
	}
	s.mu.Unlock()
}

func (s *Session) setFailure(state, msg string) {
	s.mu.Lock()
	s.state = state
	s.errMsg = msg
	if s.endedAt.IsZero() {
		s.endedAt = time.Now().UTC()
	}
	s.mu.Unlock()
}

func (s *Session) setHandle(h capture.ProcessHandle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

func (s *Session) getHandle() capture.ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) currentState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// markStopping flips an active session into stopping exactly once. Returns
// false when the session is already stopping or terminal, which makes
// concurrent stop requests collapse into one finalization.
func (s *Session) markStopping(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStarting, StateRecording:
		s.state = StateStopping
		s.stopReason = reason
		return true
	default:
		return false
	}
}

func (s *Session) elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// observeLine updates live encoder stats from one capture progress line.
func (s *Session) observeLine(line string) {
	stats, ok := parseEncoderLine(line)
	s.mu.Lock()
	if ok {
		stats.LastLine = line
		s.stats = stats
	} else {
		s.stats.LastLine = line
	}
	s.mu.Unlock()
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*kbits/s`)
)

// parseEncoderLine extracts frame/fps/bitrate from an ffmpeg progress line
// such as "frame= 226 fps= 25 q=28.0 size= 1024KiB time=00:00:09.04
// bitrate=1500.1kbits/s speed=1x".
func parseEncoderLine(line string) (EncoderStats, bool) {
	m := frameRe.FindStringSubmatch(line)
	if m == nil {
		return EncoderStats{}, false
	}
	var stats EncoderStats
	stats.Frames, _ = strconv.ParseInt(m[1], 10, 64)
	if m := fpsRe.FindStringSubmatch(line); m != nil {
		stats.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		stats.BitrateK, _ = strconv.ParseFloat(m[1], 64)
	}
	return stats, true
}

// SessionView is a point-in-time snapshot safe to serialize.
type SessionView struct {
	ID             string       `json:"session_id"`
	UserID         int64        `json:"user_id"`
	CourtID        int64        `json:"court_id"`
	Title          string       `json:"title"`
	State          string       `json:"state"`
	StopReason     string       `json:"stop_reason,omitempty"`
	Error          string       `json:"error,omitempty"`
	Quality        string       `json:"quality"`
	MaxSeconds     int          `json:"max_seconds"`
	ElapsedSeconds int          `json:"elapsed_seconds"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	Stats          EncoderStats `json:"stats"`
}

// View snapshots the session under its lock.
func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := SessionView{
		ID:         s.ID,
		UserID:     s.UserID,
		CourtID:    s.CourtID,
		Title:      s.Title,
		State:      s.state,
		StopReason: s.stopReason,
		Error:      s.errMsg,
		Quality:    s.Quality,
		MaxSeconds: int(s.MaxDur.Seconds()),
		CreatedAt:  s.createdAt,
		Stats:      s.stats,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		v.StartedAt = &t
		end := time.Now()
		if !s.endedAt.IsZero() {
			end = s.endedAt
		}
		v.ElapsedSeconds = int(end.Sub(s.startedAt).Seconds())
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		v.EndedAt = &t
	}
	return v
}
