package uploader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *BunnyClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewBunnyClient("test-key", "42", "cdn.example.net", 10*time.Second, nil)
	c.apiBase = srv.URL
	return c
}

func TestCreateVideo(t *testing.T) {
	var gotAuth, gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("AccessKey")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"guid": "abc-123"}`))
	}))

	guid, err := c.CreateVideo(context.Background(), "Court 3 - Morning Match")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", guid)
	assert.Equal(t, "test-key", gotAuth)
	assert.Equal(t, "/library/42/videos", gotPath)
}

func TestCreateVideoRejectsEmptyGUID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	_, err := c.CreateVideo(context.Background(), "x")
	assert.Error(t, err)
}

func TestCreateVideoServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "library not found", http.StatusNotFound)
	}))
	_, err := c.CreateVideo(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func writeTempVideo(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestUploadVideo(t *testing.T) {
	path := writeTempVideo(t, 2048)
	var gotLen int64
	var gotMethod string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotLen = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.UploadVideo(context.Background(), "abc-123", path))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, int64(2048), gotLen)
}

func TestUploadVideoAlreadyUploaded(t *testing.T) {
	path := writeTempVideo(t, 128)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message": "The video content was already uploaded"}`))
	}))

	err := c.UploadVideo(context.Background(), "abc-123", path)
	assert.ErrorIs(t, err, ErrAlreadyUploaded)
}

func TestUploadVideoOtherBadRequest(t *testing.T) {
	path := writeTempVideo(t, 128)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid library", http.StatusBadRequest)
	}))

	err := c.UploadVideo(context.Background(), "abc-123", path)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyUploaded)
}

func TestUploadVideoMissingFile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	err := c.UploadVideo(context.Background(), "abc-123", "/nonexistent/clip.mp4")
	assert.Error(t, err)
}

func TestVideoStatus(t *testing.T) {
	var gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"guid": "abc-123", "title": "Court 3", "status": 4, "length": 3600}`))
	}))

	remote, err := c.VideoStatus(context.Background(), "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "/library/42/videos/abc-123", gotPath)
	assert.Equal(t, 4, remote.Status)
	assert.Equal(t, 3600, remote.Length)
}

func TestVideoStatusNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, err := c.VideoStatus(context.Background(), "missing")
	assert.Error(t, err)
}

func TestPlaybackURL(t *testing.T) {
	c := NewBunnyClient("k", "42", "cdn.example.net", time.Second, nil)
	assert.Equal(t, "https://cdn.example.net/abc-123/play.mp4", c.PlaybackURL("abc-123"))
}
