// Package proxy relays one camera's HTTP/MJPEG stream per court, so a
// recorder and a live preview share a single upstream connection point.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wael22/spovio-backend-main-sub001/internal/capture"
)

// Config carries relay settings.
type Config struct {
	Enabled    bool
	BasePort   int
	MaxCourts  int
	PublicHost string
	// ReleaseGrace delays port release after a stop so a quick restart
	// reuses the same port.
	ReleaseGrace time.Duration
}

type endpoint struct {
	courtID   int64
	port      int
	sourceURL string
	srv       *http.Server
	createdAt time.Time
	// release is non-nil while a grace-delayed stop is pending.
	release *time.Timer
}

// Manager owns at most one relay endpoint per court. Ports are assigned
// deterministically: base port + court id - 1.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	// client has no global timeout: camera streams are long-lived.
	client *http.Client

	mu        sync.Mutex
	endpoints map[int64]*endpoint
}

// NewManager creates a relay manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
		endpoints: make(map[int64]*endpoint),
	}
}

func (m *Manager) portFor(courtID int64) int {
	return m.cfg.BasePort + int(courtID) - 1
}

// StartProxy ensures a relay exists for the court and returns its URL.
// Idempotent: a live relay for the same court is reused, and a pending
// grace-delayed release is cancelled.
func (m *Manager) StartProxy(courtID int64, sourceURL string) (string, error) {
	if courtID < 1 || courtID > int64(m.cfg.MaxCourts) {
		return "", fmt.Errorf("court id %d outside relay range 1..%d", courtID, m.cfg.MaxCourts)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ep, ok := m.endpoints[courtID]; ok {
		if ep.release != nil {
			ep.release.Stop()
			ep.release = nil
			m.logger.Info("relay release cancelled, endpoint reused",
				zap.Int64("court_id", courtID), zap.Int("port", ep.port))
		}
		return m.urlFor(ep.port), nil
	}

	port := m.portFor(courtID)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return "", fmt.Errorf("listen on relay port %d: %w", port, err)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/stream", m.relayHandler(sourceURL))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"court_id": courtID, "source": sourceURL})
	})

	srv := &http.Server{Handler: engine}
	ep := &endpoint{
		courtID:   courtID,
		port:      port,
		sourceURL: sourceURL,
		srv:       srv,
		createdAt: time.Now().UTC(),
	}
	m.endpoints[courtID] = ep

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			m.logger.Error("relay server stopped unexpectedly",
				zap.Int64("court_id", courtID), zap.Error(err))
		}
	}()

	m.logger.Info("camera relay started",
		zap.Int64("court_id", courtID),
		zap.Int("port", port),
		zap.String("source", sourceURL))
	return m.urlFor(port), nil
}

func (m *Manager) urlFor(port int) string {
	return fmt.Sprintf("http://%s:%d/stream", m.cfg.PublicHost, port)
}

// relayHandler streams the upstream camera response to the client.
func (m *Manager) relayHandler(sourceURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, sourceURL, nil)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		resp, err := m.client.Do(req)
		if err != nil {
			m.logger.Warn("relay upstream unreachable", zap.String("source", sourceURL), zap.Error(err))
			c.AbortWithStatus(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			c.Header("Content-Type", ct)
		}
		c.Status(resp.StatusCode)
		// Copy until either side disconnects.
		_, _ = io.Copy(c.Writer, resp.Body)
	}
}

// StopProxy tears a relay down. With immediate false the port is held
// through a grace window so a fast restart can reclaim it.
func (m *Manager) StopProxy(courtID int64, immediate bool) {
	m.mu.Lock()
	ep, ok := m.endpoints[courtID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if immediate || m.cfg.ReleaseGrace <= 0 {
		delete(m.endpoints, courtID)
		m.mu.Unlock()
		m.shutdown(ep)
		return
	}
	if ep.release != nil {
		m.mu.Unlock()
		return
	}
	ep.release = time.AfterFunc(m.cfg.ReleaseGrace, func() {
		m.mu.Lock()
		// A StartProxy in the grace window cleared the timer.
		if cur, ok := m.endpoints[courtID]; !ok || cur != ep || ep.release == nil {
			m.mu.Unlock()
			return
		}
		delete(m.endpoints, courtID)
		m.mu.Unlock()
		m.shutdown(ep)
	})
	m.mu.Unlock()
	m.logger.Info("relay release scheduled",
		zap.Int64("court_id", courtID),
		zap.Duration("grace", m.cfg.ReleaseGrace))
}

// shutdown drains the relay server. Never called with m.mu held: a slow
// streaming client would stall every other court.
func (m *Manager) shutdown(ep *endpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.srv.Shutdown(ctx); err != nil {
		_ = ep.srv.Close()
	}
	m.logger.Info("camera relay stopped",
		zap.Int64("court_id", ep.courtID),
		zap.Int("port", ep.port))
}

// Active returns the court ids with a live relay.
func (m *Manager) Active() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.endpoints))
	for id := range m.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every relay immediately.
func (m *Manager) Close() {
	m.mu.Lock()
	eps := make([]*endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		if ep.release != nil {
			ep.release.Stop()
		}
		eps = append(eps, ep)
	}
	m.endpoints = make(map[int64]*endpoint)
	m.mu.Unlock()

	for _, ep := range eps {
		m.shutdown(ep)
	}
}

// Resolve hands the supervisor a relay URL for HTTP camera sources. RTSP
// cannot be relayed over plain HTTP and passes through untouched, as does
// everything else when the relay layer is disabled.
func (m *Manager) Resolve(ctx context.Context, courtID int64, sourceURL string) (string, error) {
	if !m.cfg.Enabled || capture.DetectSourceKind(sourceURL) == capture.SourceRTSP {
		return sourceURL, nil
	}
	return m.StartProxy(courtID, sourceURL)
}

// Release schedules the court's relay for grace-delayed teardown.
func (m *Manager) Release(courtID int64) {
	if !m.cfg.Enabled {
		return
	}
	m.StopProxy(courtID, false)
}
