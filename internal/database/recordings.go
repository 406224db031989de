package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	ErrRecordingNotFound = errors.New("recording not found")
	// ErrStatusConflict means a conditional update found the recording in a
	// status other than the ones it was allowed to move from.
	ErrStatusConflict = errors.New("recording status conflict")
)

// RecordingStatus is the lifecycle state of a recording.
type RecordingStatus string

const (
	StatusUploaded   RecordingStatus = "uploaded"
	StatusProcessing RecordingStatus = "processing"
	StatusCompleted  RecordingStatus = "completed"
	StatusFailed     RecordingStatus = "failed"
)

// Recording is one uploaded audio file and its transcription state.
// Transcript is set only when Completed, Error only when Failed and JobID
// only while Processing.
type Recording struct {
	ID               int64           `json:"id"`
	Owner            string          `json:"owner,omitempty"`
	Title            string          `json:"title,omitempty"`
	AudioPath        string          `json:"audio_path"`
	Backend          string          `json:"backend"`
	Model            string          `json:"model,omitempty"`
	Language         string          `json:"language"`
	Status           RecordingStatus `json:"status"`
	Transcript       *string         `json:"transcript,omitempty"`
	DetectedLanguage *string         `json:"detected_language,omitempty"`
	Segments         json.RawMessage `json:"segments,omitempty"`
	Error            *string         `json:"error,omitempty"`
	JobID            *string         `json:"job_id,omitempty"`
	Attempts         int             `json:"attempts"`
	DurationSeconds  *float64        `json:"duration_seconds,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
}

// HasJob reports whether the recording is processing under jobID.
func (r *Recording) HasJob(jobID string) bool {
	return r.Status == StatusProcessing && r.JobID != nil && *r.JobID == jobID
}

// NewRecording is the input for upload intake.
type NewRecording struct {
	Owner     string
	Title     string
	AudioPath string
	Backend   string
	Model     string
	Language  string
}

// TranscriptUpdate is the result stored when a job completes.
type TranscriptUpdate struct {
	Text     string
	Language string
	Segments json.RawMessage
}

// RecordingFilter specifies filters for listing recordings.
type RecordingFilter struct {
	Owner  string
	Status string
	Limit  int
	Offset int
}

const recordingColumns = `id, owner, title, audio_path, backend, model, language, status,
	transcript, detected_language, segments, error_message, job_id, attempts,
	duration_seconds, created_at, updated_at, processed_at`

func scanRecording(row pgx.Row) (*Recording, error) {
	var r Recording
	var status string
	err := row.Scan(
		&r.ID, &r.Owner, &r.Title, &r.AudioPath, &r.Backend, &r.Model, &r.Language, &status,
		&r.Transcript, &r.DetectedLanguage, &r.Segments, &r.Error, &r.JobID, &r.Attempts,
		&r.DurationSeconds, &r.CreatedAt, &r.UpdatedAt, &r.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordingNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = RecordingStatus(status)
	return &r, nil
}

// CreateRecording stores a new recording in the Uploaded state.
func (db *DB) CreateRecording(ctx context.Context, n NewRecording) (*Recording, error) {
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO recordings (owner, title, audio_path, backend, model, language)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+recordingColumns,
		n.Owner, n.Title, n.AudioPath, n.Backend, n.Model, n.Language,
	)
	return scanRecording(row)
}

// GetRecording returns a recording by id.
func (db *DB) GetRecording(ctx context.Context, id int64) (*Recording, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, id)
	return scanRecording(row)
}

// ListRecordings returns recordings newest first plus the total matching count.
func (db *DB) ListRecordings(ctx context.Context, f RecordingFilter) ([]Recording, int, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	const where = `WHERE ($1::text IS NULL OR owner = $1) AND ($2::text IS NULL OR status = $2)`

	var total int
	if err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM recordings `+where,
		pqString(f.Owner), pqString(f.Status),
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.Pool.Query(ctx, `SELECT `+recordingColumns+` FROM recordings `+where+`
		ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		pqString(f.Owner), pqString(f.Status), f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []Recording{}
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *r)
	}
	return out, total, rows.Err()
}

// ClaimRecording moves a recording into Processing under jobID, but only from
// one of the given statuses. Error text and attempt count are reset. Returns
// ErrStatusConflict when the recording is in any other status.
func (db *DB) ClaimRecording(ctx context.Context, id int64, jobID string, from ...RecordingStatus) (*Recording, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	row := db.Pool.QueryRow(ctx, `
		UPDATE recordings
		SET status = 'processing', job_id = $2, error_message = NULL, attempts = 0, updated_at = now()
		WHERE id = $1 AND status = ANY($3::text[])
		RETURNING `+recordingColumns,
		id, jobID, allowed,
	)
	r, err := scanRecording(row)
	if errors.Is(err, ErrRecordingNotFound) {
		return nil, db.conflictOrMissing(ctx, id)
	}
	return r, err
}

// conflictOrMissing explains why a conditional update matched no row.
func (db *DB) conflictOrMissing(ctx context.Context, id int64) error {
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM recordings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrRecordingNotFound
	}
	return ErrStatusConflict
}

// MarkAttempt records the attempt number for the job holding the recording.
// It returns false when jobID no longer owns the recording.
func (db *DB) MarkAttempt(ctx context.Context, id int64, jobID string, attempt int) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE recordings SET attempts = $3, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND job_id = $2`,
		id, jobID, attempt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteRecording stores the transcript and moves the recording to
// Completed, but only if jobID still owns it. A false return means the job is
// stale and its result was discarded.
func (db *DB) CompleteRecording(ctx context.Context, id int64, jobID string, u TranscriptUpdate) (bool, error) {
	var segments any
	if len(u.Segments) > 0 {
		segments = u.Segments
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE recordings
		SET status = 'completed', transcript = $3, detected_language = $4, segments = $5,
		    job_id = NULL, error_message = NULL, processed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing' AND job_id = $2`,
		id, jobID, u.Text, pqString(u.Language), segments,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FailRecording moves the recording to Failed with a message, but only if
// jobID still owns it.
func (db *DB) FailRecording(ctx context.Context, id int64, jobID, message string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE recordings
		SET status = 'failed', error_message = $3, job_id = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND job_id = $2`,
		id, jobID, message,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseRecording returns a recording held by jobID to Uploaded.
func (db *DB) ReleaseRecording(ctx context.Context, id int64, jobID string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE recordings SET status = 'uploaded', job_id = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing' AND job_id = $2`,
		id, jobID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CancelRecording returns a Processing recording to Uploaded regardless of
// which job holds it, and returns that job's id. ok is false when the
// recording was not Processing.
func (db *DB) CancelRecording(ctx context.Context, id int64) (jobID string, ok bool, err error) {
	var prev *string
	err = db.Pool.QueryRow(ctx, `
		UPDATE recordings r
		SET status = 'uploaded', job_id = NULL, updated_at = now()
		FROM (SELECT id, job_id FROM recordings WHERE id = $1 FOR UPDATE) old
		WHERE r.id = old.id AND r.status = 'processing'
		RETURNING old.job_id`,
		id,
	).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		if cerr := db.conflictOrMissing(ctx, id); errors.Is(cerr, ErrRecordingNotFound) {
			return "", false, cerr
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if prev != nil {
		jobID = *prev
	}
	return jobID, true, nil
}

// SetRecordingDuration stores the audio duration.
func (db *DB) SetRecordingDuration(ctx context.Context, id int64, seconds float64) error {
	_, err := db.Pool.Exec(ctx, `UPDATE recordings SET duration_seconds = $2 WHERE id = $1`, id, seconds)
	return err
}

// ResetStaleProcessing returns recordings stuck in Processing to Uploaded when
// they have not been touched since before cutoff and their job is not in
// active. Used at startup to recover from a crashed runner.
func (db *DB) ResetStaleProcessing(ctx context.Context, cutoff time.Time, active []string) ([]int64, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE recordings SET status = 'uploaded', job_id = NULL, updated_at = now()
		WHERE status = 'processing' AND updated_at < $1
		  AND ($2::text[] IS NULL OR NOT (job_id = ANY($2::text[])))
		RETURNING id`,
		cutoff, pqStringArray(active),
	)
	if err != nil {
		return nil, fmt.Errorf("reset stale recordings: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StatusCounts returns the number of recordings per status.
func (db *DB) StatusCounts(ctx context.Context) (map[RecordingStatus]int, error) {
	rows, err := db.Pool.Query(ctx, `SELECT status, count(*) FROM recordings GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[RecordingStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[RecordingStatus(s)] = n
	}
	return out, rows.Err()
}
