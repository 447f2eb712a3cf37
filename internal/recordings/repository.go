// Package recordings persists and serves the durable video records behind
// the recording pipeline.
package recordings

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wael22/spovio-backend-main-sub001/internal/models"
)

const videoColumns = `id, session_id, user_id, court_id, match_id, club_id, title,
	file_url, thumbnail_url, duration_seconds, file_size, status, upload_status,
	bunny_video_id, error, recorded_at, ended_at, created_at, updated_at`

// Repository handles video persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a videos repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanVideo(row pgx.Row) (*models.Video, error) {
	var v models.Video
	err := row.Scan(&v.ID, &v.SessionID, &v.UserID, &v.CourtID, &v.MatchID, &v.ClubID, &v.Title,
		&v.FileURL, &v.ThumbnailURL, &v.Duration, &v.FileSize, &v.Status, &v.UploadStatus,
		&v.BunnyVideoID, &v.Error, &v.RecordedAt, &v.EndedAt, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// SaveVideo upserts the durable record for a session. The session id is
// unique, so a retried finalization updates rather than duplicates.
func (r *Repository) SaveVideo(ctx context.Context, v *models.Video) error {
	const q = `INSERT INTO videos (session_id, user_id, court_id, match_id, club_id, title,
			file_url, thumbnail_url, duration_seconds, file_size, status, upload_status, error, recorded_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (session_id) DO UPDATE SET
			file_url = EXCLUDED.file_url,
			thumbnail_url = EXCLUDED.thumbnail_url,
			duration_seconds = EXCLUDED.duration_seconds,
			file_size = EXCLUDED.file_size,
			status = EXCLUDED.status,
			upload_status = EXCLUDED.upload_status,
			error = EXCLUDED.error,
			ended_at = EXCLUDED.ended_at,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, v.SessionID, v.UserID, v.CourtID, v.MatchID, v.ClubID, v.Title,
		v.FileURL, v.ThumbnailURL, v.Duration, v.FileSize, v.Status, v.UploadStatus, v.Error, v.RecordedAt, v.EndedAt).
		Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
}

// GetByID returns a video by ID.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`
	v, err := scanVideo(r.pool.QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// GetBySessionID returns the video for a recording session.
func (r *Repository) GetBySessionID(ctx context.Context, sessionID string) (*models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos WHERE session_id = $1`
	v, err := scanVideo(r.pool.QueryRow(ctx, q, sessionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// ListByUser returns a user's videos, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *v)
	}
	return list, rows.Err()
}

// ListByCourt returns a court's videos, newest first.
func (r *Repository) ListByCourt(ctx context.Context, courtID int64, limit, offset int) ([]models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos
		WHERE court_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, courtID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *v)
	}
	return list, rows.Err()
}

// MarkUploading flags a video as having an upload in flight.
func (r *Repository) MarkUploading(ctx context.Context, videoID int64) error {
	const q = `UPDATE videos SET upload_status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, models.UploadStatusUploading, videoID)
	return err
}

// MarkUploaded records the CDN asset id and playback URL after a successful
// upload.
func (r *Repository) MarkUploaded(ctx context.Context, videoID int64, remoteID, remoteURL string) error {
	const q = `UPDATE videos SET upload_status = $1, bunny_video_id = $2, file_url = $3, updated_at = NOW()
		WHERE id = $4`
	_, err := r.pool.Exec(ctx, q, models.UploadStatusCompleted, remoteID, remoteURL, videoID)
	return err
}

// MarkUploadFailed records a permanently failed upload. The local file_url is
// left in place so the recording stays watchable.
func (r *Repository) MarkUploadFailed(ctx context.Context, videoID int64, reason string) error {
	const q = `UPDATE videos SET upload_status = $1, error = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, models.UploadStatusFailed, reason, videoID)
	return err
}

// MarkStaleRecordingsFailed sweeps rows stuck in 'recording' from a previous
// process run. Called once at startup, before any new session starts.
func (r *Repository) MarkStaleRecordingsFailed(ctx context.Context) (int64, error) {
	const q = `UPDATE videos SET status = $1, error = 'recording interrupted by service restart', updated_at = NOW()
		WHERE status = $2`
	tag, err := r.pool.Exec(ctx, q, models.VideoStatusFailed, models.VideoStatusRecording)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Delete removes a video row.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	const q = `DELETE FROM videos WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}
