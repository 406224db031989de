package api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/scribe-engine/internal/audio"
	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/storage"
	"github.com/snarg/scribe-engine/internal/transcribe"
)

// RecordingStore is the persistence the recordings API needs.
type RecordingStore interface {
	CreateRecording(ctx context.Context, n database.NewRecording) (*database.Recording, error)
	GetRecording(ctx context.Context, id int64) (*database.Recording, error)
	ListRecordings(ctx context.Context, f database.RecordingFilter) ([]database.Recording, int, error)
}

// JobRunner schedules and controls transcription jobs.
type JobRunner interface {
	Enqueue(ctx context.Context, recordingID int64) (string, error)
	Retry(ctx context.Context, recordingID int64) (string, error)
	Cancel(ctx context.Context, recordingID int64) error
	Status(ctx context.Context, recordingID int64) (*transcribe.StatusView, error)
	Stats() transcribe.QueueStats
}

// AudioValidator checks that a stored file is usable audio.
type AudioValidator interface {
	Validate(ctx context.Context, path string) bool
}

// Defaults fill in recognition settings an upload leaves out.
type Defaults struct {
	Backend  string
	Model    string
	Language string
}

type RecordingsHandler struct {
	store     RecordingStore
	runner    JobRunner
	audio     storage.AudioStore
	validator AudioValidator
	defaults  Defaults
	maxBytes  int64
	log       zerolog.Logger
}

func NewRecordingsHandler(store RecordingStore, runner JobRunner, audioStore storage.AudioStore, validator AudioValidator, defaults Defaults, maxBytes int64, log zerolog.Logger) *RecordingsHandler {
	if maxBytes <= 0 {
		maxBytes = 500 << 20
	}
	return &RecordingsHandler{
		store:     store,
		runner:    runner,
		audio:     audioStore,
		validator: validator,
		defaults:  defaults,
		maxBytes:  maxBytes,
		log:       log.With().Str("handler", "recordings").Logger(),
	}
}

// Routes registers recording routes on the given router.
func (h *RecordingsHandler) Routes(r chi.Router) {
	r.Post("/recordings", h.Upload)
	r.Get("/recordings", h.List)
	r.Get("/recordings/{id}", h.Get)
	r.Get("/recordings/{id}/status", h.Status)
	r.Post("/recordings/{id}/transcribe", h.Transcribe)
	r.Post("/recordings/{id}/retry", h.Retry)
	r.Post("/recordings/{id}/cancel", h.Cancel)
	r.Get("/queue", h.Queue)
}

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// UploadResponse is returned by the upload endpoint.
type UploadResponse struct {
	Recording    *database.Recording `json:"recording"`
	JobID        string              `json:"job_id,omitempty"`
	EnqueueError string              `json:"enqueue_error,omitempty"`
}

// Upload handles POST /api/v1/recordings.
// Multipart fields: file (required), title, owner, backend, model, language,
// transcribe (default true).
func (h *RecordingsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			WriteError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		WriteErrorDetail(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !slices.Contains(audio.SupportedExtensions, ext) {
		WriteErrorDetail(w, http.StatusUnsupportedMediaType, "unsupported audio format",
			"supported: "+strings.Join(audio.SupportedExtensions, ", "))
		return
	}

	owner := r.FormValue("owner")
	if owner == "" {
		owner = "default"
	}
	if !ownerPattern.MatchString(owner) {
		WriteError(w, http.StatusBadRequest, "owner must be 1-64 letters, digits, '-' or '_'")
		return
	}

	backend := firstNonEmpty(r.FormValue("backend"), h.defaults.Backend)
	kind, err := transcribe.ParseKind(backend)
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "unknown backend", err.Error())
		return
	}
	model := firstNonEmpty(r.FormValue("model"), h.defaults.Model)
	if kind == transcribe.KindOffline && r.FormValue("model") == "" {
		model = "" // registry default
	}
	language := firstNonEmpty(r.FormValue("language"), h.defaults.Language)
	autoTranscribe := true
	if v := r.FormValue("transcribe"); v != "" {
		autoTranscribe, _ = strconv.ParseBool(v)
	}

	key := owner + "/" + uuid.NewString() + ext
	if err := h.audio.Save(r.Context(), key, file, storage.ContentType(ext)); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to store upload")
		WriteError(w, http.StatusInternalServerError, "failed to store audio")
		return
	}

	if h.validator != nil {
		path, cleanup, err := h.audio.Fetch(r.Context(), key, owner)
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("stored upload not readable")
			WriteError(w, http.StatusInternalServerError, "failed to store audio")
			return
		}
		ok := h.validator.Validate(r.Context(), path)
		cleanup()
		if !ok {
			WriteError(w, http.StatusUnprocessableEntity, "file is not readable audio")
			return
		}
	}

	rec, err := h.store.CreateRecording(r.Context(), database.NewRecording{
		Owner:     owner,
		Title:     firstNonEmpty(r.FormValue("title"), header.Filename),
		AudioPath: key,
		Backend:   kind.String(),
		Model:     model,
		Language:  language,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create recording")
		WriteError(w, http.StatusInternalServerError, "failed to create recording")
		return
	}
	log.Info().Int64("recording_id", rec.ID).Str("backend", rec.Backend).Str("owner", owner).Msg("recording uploaded")

	resp := UploadResponse{Recording: rec}
	if autoTranscribe {
		jobID, err := h.runner.Enqueue(r.Context(), rec.ID)
		if err != nil {
			log.Warn().Err(err).Int64("recording_id", rec.ID).Msg("upload stored but not enqueued")
			resp.EnqueueError = err.Error()
		} else {
			resp.JobID = jobID
			rec.Status = database.StatusProcessing
			rec.JobID = &jobID
		}
	}
	WriteJSON(w, http.StatusCreated, resp)
}

// ListResponse is a page of recordings.
type ListResponse struct {
	Recordings []database.Recording `json:"recordings"`
	Total      int                  `json:"total"`
	Limit      int                  `json:"limit"`
	Offset     int                  `json:"offset"`
}

var validStatuses = []string{
	string(database.StatusUploaded), string(database.StatusProcessing),
	string(database.StatusCompleted), string(database.StatusFailed),
}

// List handles GET /api/v1/recordings?owner=&status=&limit=&offset=.
func (h *RecordingsHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := database.RecordingFilter{Limit: p.Limit, Offset: p.Offset}
	f.Owner, _ = QueryString(r, "owner")
	if s, ok := QueryString(r, "status"); ok {
		if !slices.Contains(validStatuses, s) {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid status", "one of: "+strings.Join(validStatuses, ", "))
			return
		}
		f.Status = s
	}

	recs, total, err := h.store.ListRecordings(r.Context(), f)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list recordings failed")
		WriteError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}
	if recs == nil {
		recs = []database.Recording{}
	}
	WriteJSON(w, http.StatusOK, ListResponse{Recordings: recs, Total: total, Limit: p.Limit, Offset: p.Offset})
}

// Get handles GET /api/v1/recordings/{id}.
func (h *RecordingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := recordingID(w, r)
	if !ok {
		return
	}
	rec, err := h.store.GetRecording(r.Context(), id)
	if errors.Is(err, database.ErrRecordingNotFound) {
		WriteError(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load recording")
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// Status handles GET /api/v1/recordings/{id}/status.
func (h *RecordingsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := recordingID(w, r)
	if !ok {
		return
	}
	st, err := h.runner.Status(r.Context(), id)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// JobResponse acknowledges an enqueued job.
type JobResponse struct {
	RecordingID int64  `json:"recording_id"`
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
}

// Transcribe handles POST /api/v1/recordings/{id}/transcribe.
func (h *RecordingsHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	h.schedule(w, r, h.runner.Enqueue)
}

// Retry handles POST /api/v1/recordings/{id}/retry. Only failed recordings
// can be retried.
func (h *RecordingsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.schedule(w, r, h.runner.Retry)
}

func (h *RecordingsHandler) schedule(w http.ResponseWriter, r *http.Request, enqueue func(context.Context, int64) (string, error)) {
	id, ok := recordingID(w, r)
	if !ok {
		return
	}
	jobID, err := enqueue(r.Context(), id)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, JobResponse{
		RecordingID: id,
		JobID:       jobID,
		Status:      string(database.StatusProcessing),
	})
}

// Cancel handles POST /api/v1/recordings/{id}/cancel. Cancelling a recording
// that is not processing succeeds without changing anything.
func (h *RecordingsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := recordingID(w, r)
	if !ok {
		return
	}
	if err := h.runner.Cancel(r.Context(), id); err != nil {
		WriteJobError(w, err)
		return
	}
	st, err := h.runner.Status(r.Context(), id)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// Queue handles GET /api/v1/queue.
func (h *RecordingsHandler) Queue(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.runner.Stats())
}

func recordingID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := PathInt64(r, "id")
	if err != nil || id < 1 {
		WriteError(w, http.StatusBadRequest, "invalid recording id")
		return 0, false
	}
	return id, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
