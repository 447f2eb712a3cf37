package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(tweak func(*Config)) *Manager {
	cfg := Config{
		Enabled:      true,
		BasePort:     19300,
		MaxCourts:    8,
		PublicHost:   "127.0.0.1",
		ReleaseGrace: 50 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return NewManager(cfg, nil)
}

func TestPortAllocationDeterministic(t *testing.T) {
	m := testManager(nil)
	assert.Equal(t, 19300, m.portFor(1))
	assert.Equal(t, 19304, m.portFor(5))
}

func TestStartProxyIdempotent(t *testing.T) {
	m := testManager(func(c *Config) { c.BasePort = 19310 })
	defer m.Close()

	url1, err := m.StartProxy(2, "http://cam.local/video.mjpg")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:19311/stream", url1)

	url2, err := m.StartProxy(2, "http://cam.local/video.mjpg")
	require.NoError(t, err)
	assert.Equal(t, url1, url2)
	assert.Len(t, m.Active(), 1)
}

func TestStartProxyRejectsOutOfRangeCourt(t *testing.T) {
	m := testManager(nil)
	_, err := m.StartProxy(0, "http://cam.local/x")
	assert.Error(t, err)
	_, err = m.StartProxy(99, "http://cam.local/x")
	assert.Error(t, err)
}

func TestRelayStreamsUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace")
		_, _ = io.WriteString(w, "frame-bytes")
	}))
	defer upstream.Close()

	m := testManager(func(c *Config) { c.BasePort = 19320 })
	defer m.Close()

	url, err := m.StartProxy(1, upstream.URL)
	require.NoError(t, err)

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(url)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "frame-bytes", string(body))
	assert.Contains(t, resp.Header.Get("Content-Type"), "multipart")
}

func TestRelayUpstreamDown(t *testing.T) {
	m := testManager(func(c *Config) { c.BasePort = 19330 })
	defer m.Close()

	url, err := m.StartProxy(1, "http://127.0.0.1:1/video.mjpg")
	require.NoError(t, err)

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(url)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestStopProxyImmediate(t *testing.T) {
	m := testManager(func(c *Config) { c.BasePort = 19340 })
	defer m.Close()

	_, err := m.StartProxy(1, "http://cam.local/x")
	require.NoError(t, err)
	m.StopProxy(1, true)
	assert.Empty(t, m.Active())
}

func TestStopProxyDoesNotStallOtherCourts(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer upstream.Close()

	m := testManager(func(c *Config) { c.BasePort = 19380 })
	defer m.Close()

	url, err := m.StartProxy(1, upstream.URL)
	require.NoError(t, err)

	// A client mid-stream forces shutdown to wait for the connection.
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(url)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()

	done := make(chan struct{})
	go func() {
		m.StopProxy(1, true)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond) // let the stop reach its drain

	start := time.Now()
	_, err = m.StartProxy(2, upstream.URL)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "a draining relay must not block the manager")

	resp.Body.Close()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("relay stop never finished")
	}
}

func TestStopProxyGraceWindowReuse(t *testing.T) {
	m := testManager(func(c *Config) {
		c.BasePort = 19350
		c.ReleaseGrace = time.Hour // never fires during the test
	})
	defer m.Close()

	url1, err := m.StartProxy(1, "http://cam.local/x")
	require.NoError(t, err)
	m.StopProxy(1, false)

	// Restart inside the grace window reuses the live endpoint.
	url2, err := m.StartProxy(1, "http://cam.local/x")
	require.NoError(t, err)
	assert.Equal(t, url1, url2)
	assert.Len(t, m.Active(), 1)
}

func TestStopProxyGraceExpires(t *testing.T) {
	m := testManager(func(c *Config) {
		c.BasePort = 19360
		c.ReleaseGrace = 30 * time.Millisecond
	})
	defer m.Close()

	_, err := m.StartProxy(1, "http://cam.local/x")
	require.NoError(t, err)
	m.StopProxy(1, false)

	require.Eventually(t, func() bool {
		return len(m.Active()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResolvePassesRTSPThrough(t *testing.T) {
	m := testManager(nil)
	defer m.Close()

	src := "rtsp://cam.local:554/stream"
	got, err := m.Resolve(context.Background(), 1, src)
	require.NoError(t, err)
	assert.Equal(t, src, got)
	assert.Empty(t, m.Active())
}

func TestResolveDisabledPassthrough(t *testing.T) {
	m := testManager(func(c *Config) { c.Enabled = false })
	got, err := m.Resolve(context.Background(), 1, "http://cam.local/video.mjpg")
	require.NoError(t, err)
	assert.Equal(t, "http://cam.local/video.mjpg", got)
}

func TestResolveStartsRelayForHTTP(t *testing.T) {
	m := testManager(func(c *Config) { c.BasePort = 19370 })
	defer m.Close()

	got, err := m.Resolve(context.Background(), 3, "http://cam.local/video.mjpg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, fmt.Sprintf("http://127.0.0.1:%d/", 19372)))
}
