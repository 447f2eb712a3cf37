// Package uploader pushes finished recordings to Bunny Stream and tracks
// each upload through a bounded-retry lifecycle.
package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const bunnyAPIBase = "https://video.bunnycdn.com"

// ErrAlreadyUploaded marks the CDN's "content already uploaded" rejection,
// which means a previous attempt succeeded despite a lost response.
var ErrAlreadyUploaded = errors.New("video content already uploaded")

// BunnyClient talks to the Bunny Stream video API for one library.
type BunnyClient struct {
	apiBase     string
	apiKey      string
	libraryID   string
	cdnHostname string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewBunnyClient creates a Bunny Stream API client. uploadTimeout bounds
// each content PUT, which streams whole video files.
func NewBunnyClient(apiKey, libraryID, cdnHostname string, uploadTimeout time.Duration, logger *zap.Logger) *BunnyClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BunnyClient{
		apiBase:     bunnyAPIBase,
		apiKey:      apiKey,
		libraryID:   libraryID,
		cdnHostname: cdnHostname,
		httpClient:  &http.Client{Timeout: uploadTimeout},
		logger:      logger,
	}
}

type createVideoRequest struct {
	Title string `json:"title"`
}

type createVideoResponse struct {
	GUID string `json:"guid"`
}

// CreateVideo registers a new video asset and returns its guid. Called once
// per task; retries reuse the guid instead of creating duplicates.
func (c *BunnyClient) CreateVideo(ctx context.Context, title string) (string, error) {
	body, err := json.Marshal(createVideoRequest{Title: title})
	if err != nil {
		return "", fmt.Errorf("marshal create request: %w", err)
	}

	url := fmt.Sprintf("%s/library/%s/videos", c.apiBase, c.libraryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("AccessKey", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("create video: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var created createVideoResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.GUID == "" {
		return "", errors.New("create video: empty guid in response")
	}
	return created.GUID, nil
}

// UploadVideo streams the local file to the asset's content endpoint.
// A 400 whose body says the content is already uploaded returns
// ErrAlreadyUploaded so callers can treat it as success.
func (c *BunnyClient) UploadVideo(ctx context.Context, guid, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	url := fmt.Sprintf("%s/library/%s/videos/%s", c.apiBase, c.libraryID, guid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("AccessKey", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = info.Size()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload video %s: %w", guid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "already uploaded") {
		c.logger.Info("content already on CDN from an earlier attempt", zap.String("guid", guid))
		return ErrAlreadyUploaded
	}
	return fmt.Errorf("upload video %s: status %d: %s", guid, resp.StatusCode, msg)
}

// RemoteVideo is the CDN-side state of an asset. Status follows Bunny's
// encode pipeline (3 = transcoding, 4 = finished, 5 = failed).
type RemoteVideo struct {
	GUID   string `json:"guid"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Length int    `json:"length"`
}

// VideoStatus fetches the CDN-side processing state of an asset.
func (c *BunnyClient) VideoStatus(ctx context.Context, guid string) (*RemoteVideo, error) {
	url := fmt.Sprintf("%s/library/%s/videos/%s", c.apiBase, c.libraryID, guid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("AccessKey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("video status %s: %w", guid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("video status %s: status %d", guid, resp.StatusCode)
	}

	var status RemoteVideo
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &status, nil
}

// DeleteVideo removes an asset from the library.
func (c *BunnyClient) DeleteVideo(ctx context.Context, guid string) error {
	url := fmt.Sprintf("%s/library/%s/videos/%s", c.apiBase, c.libraryID, guid)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	req.Header.Set("AccessKey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete video %s: %w", guid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete video %s: status %d", guid, resp.StatusCode)
	}
	return nil
}

// PlaybackURL returns the public MP4 URL for an uploaded asset.
func (c *BunnyClient) PlaybackURL(guid string) string {
	return fmt.Sprintf("https://%s/%s/play.mp4", c.cdnHostname, guid)
}
