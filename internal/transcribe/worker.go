package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/database"
	"github.com/snarg/scribe-engine/internal/metrics"
)

// QueueStats reports the current state of the transcription queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Active    int   `json:"active"`
	Workers   int   `json:"workers"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// RunnerOptions configures the job runner.
type RunnerOptions struct {
	Store     Store
	Backends  BackendResolver
	Audio     AudioSource
	Inspector AudioInspector // optional, records audio duration
	Device    string

	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration // hard ceiling per attempt
	SoftTimeout time.Duration // warning threshold per attempt, 0 = off

	PublishEvent EventPublishFunc
	Log          zerolog.Logger
}

// Runner executes transcription jobs on a fixed pool of workers.
type Runner struct {
	jobs   chan Job
	opts   RunnerOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sendMu guards jobs against a send racing the close in Stop.
	sendMu  sync.RWMutex
	stopped bool

	mu     sync.Mutex
	active map[int64]*activeJob // by recording id

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

type activeJob struct {
	id      string
	cancel  context.CancelFunc
	started time.Time
}

// NewRunner creates a job runner. Call Start to launch the workers.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.Device == "" {
		opts.Device = DeviceCPU
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		jobs:   make(chan Job, opts.QueueSize),
		opts:   opts,
		log:    opts.Log,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[int64]*activeJob),
	}
}

// Start launches the worker goroutines.
func (r *Runner) Start() {
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.log.Info().
		Int("workers", r.opts.Workers).
		Int("queue_size", r.opts.QueueSize).
		Int("max_attempts", r.opts.MaxAttempts).
		Dur("timeout", r.opts.Timeout).
		Msg("transcription job runner started")
}

// Stop cancels in-flight work, hands queued and running recordings back to
// Uploaded and waits for the workers to exit.
func (r *Runner) Stop() {
	r.sendMu.Lock()
	if r.stopped {
		r.sendMu.Unlock()
		return
	}
	r.stopped = true
	close(r.jobs)
	r.sendMu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.log.Info().
		Int64("completed", r.completed.Load()).
		Int64("failed", r.failed.Load()).
		Int64("cancelled", r.cancelled.Load()).
		Msg("transcription job runner stopped")
}

// Enqueue schedules a transcription of a recording in the Uploaded or Failed
// state and returns the job id. An unknown backend is reported here rather
// than as a job failure.
func (r *Runner) Enqueue(ctx context.Context, recordingID int64) (string, error) {
	return r.enqueue(ctx, recordingID, database.StatusUploaded, database.StatusFailed)
}

// Retry re-enqueues a Failed recording.
func (r *Runner) Retry(ctx context.Context, recordingID int64) (string, error) {
	rec, err := r.opts.Store.GetRecording(ctx, recordingID)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if rec.Status != database.StatusFailed {
		return "", fmt.Errorf("%w: status is %s", ErrNotFailed, rec.Status)
	}
	return r.enqueue(ctx, recordingID, database.StatusFailed)
}

func (r *Runner) enqueue(ctx context.Context, recordingID int64, from ...database.RecordingStatus) (string, error) {
	rec, err := r.opts.Store.GetRecording(ctx, recordingID)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if rec.Status == database.StatusCompleted {
		metrics.JobsTotal.WithLabelValues("skipped").Inc()
		return "", ErrAlreadyCompleted
	}
	if _, err := ParseKind(rec.Backend); err != nil {
		return "", err
	}

	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.stopped {
		return "", ErrRunnerStopped
	}

	jobID := uuid.NewString()
	if _, err := r.opts.Store.ClaimRecording(ctx, recordingID, jobID, from...); err != nil {
		if errors.Is(err, database.ErrStatusConflict) {
			return "", r.explainConflict(ctx, recordingID)
		}
		return "", mapStoreErr(err)
	}

	job := Job{ID: jobID, RecordingID: recordingID, Enqueued: time.Now()}
	select {
	case r.jobs <- job:
	default:
		if _, err := r.opts.Store.ReleaseRecording(ctx, recordingID, jobID); err != nil {
			r.log.Error().Err(err).Int64("recording_id", recordingID).Msg("failed to release recording after full queue")
		}
		return "", ErrQueueFull
	}

	r.log.Debug().Int64("recording_id", recordingID).Str("job_id", jobID).Msg("job enqueued")
	r.publish(StatusEvent{RecordingID: recordingID, JobID: jobID, Status: database.StatusProcessing})
	return jobID, nil
}

// explainConflict turns a failed claim into the caller-facing reason.
func (r *Runner) explainConflict(ctx context.Context, recordingID int64) error {
	rec, err := r.opts.Store.GetRecording(ctx, recordingID)
	if err != nil {
		return mapStoreErr(err)
	}
	switch rec.Status {
	case database.StatusCompleted:
		return ErrAlreadyCompleted
	case database.StatusProcessing:
		return ErrAlreadyProcessing
	default:
		return fmt.Errorf("%w: recording is %s", ErrNotFailed, rec.Status)
	}
}

// Cancel returns a Processing recording to Uploaded and revokes its job if it
// runs here. The status change does not wait for the work to stop; a late
// result from the revoked job is discarded. Cancelling a recording with no
// active job is a no-op.
func (r *Runner) Cancel(ctx context.Context, recordingID int64) error {
	jobID, ok, err := r.opts.Store.CancelRecording(ctx, recordingID)
	if err != nil {
		return mapStoreErr(err)
	}
	log := r.log.With().Int64("recording_id", recordingID).Str("job_id", jobID).Logger()
	if !ok {
		log.Debug().Msg("cancel requested but no job is active")
		return nil
	}

	if r.revoke(recordingID, jobID) {
		log.Info().Msg("job revoked")
	} else {
		log.Warn().Msg("job not running on this runner, status reset only")
	}
	r.cancelled.Add(1)
	metrics.JobsTotal.WithLabelValues("cancelled").Inc()
	r.publish(StatusEvent{RecordingID: recordingID, JobID: jobID, Status: database.StatusUploaded})
	return nil
}

func (r *Runner) revoke(recordingID int64, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[recordingID]
	if !ok || a.id != jobID {
		return false
	}
	a.cancel()
	return true
}

// StatusView is the polling projection of a recording.
type StatusView struct {
	RecordingID   int64                    `json:"recording_id"`
	Status        database.RecordingStatus `json:"status"`
	HasTranscript bool                     `json:"has_transcript"`
	Error         string                   `json:"error,omitempty"`
	JobID         string                   `json:"job_id,omitempty"`
	Attempts      int                      `json:"attempts"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// Status returns the current status of a recording.
func (r *Runner) Status(ctx context.Context, recordingID int64) (*StatusView, error) {
	rec, err := r.opts.Store.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	v := &StatusView{
		RecordingID:   rec.ID,
		Status:        rec.Status,
		HasTranscript: rec.Transcript != nil,
		Attempts:      rec.Attempts,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.Error != nil {
		v.Error = *rec.Error
	}
	if rec.JobID != nil {
		v.JobID = *rec.JobID
	}
	return v, nil
}

// Reconcile returns recordings left in Processing by a previous process to
// Uploaded. Only records untouched for longer than an attempt can take are
// reset, and jobs running here are never touched.
func (r *Runner) Reconcile(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-(r.opts.Timeout + r.opts.RetryDelay))
	ids, err := r.opts.Store.ResetStaleProcessing(ctx, cutoff, r.activeJobIDs())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		r.log.Warn().Int64("recording_id", id).Msg("stale processing recording reset to uploaded")
		r.publish(StatusEvent{RecordingID: id, Status: database.StatusUploaded})
	}
	return len(ids), nil
}

// Stats returns current queue statistics.
func (r *Runner) Stats() QueueStats {
	return QueueStats{
		Pending:   len(r.jobs),
		Active:    r.ActiveCount(),
		Workers:   r.opts.Workers,
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Cancelled: r.cancelled.Load(),
	}
}

// PendingCount returns the number of queued jobs.
func (r *Runner) PendingCount() int { return len(r.jobs) }

// ActiveCount returns the number of executing jobs.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) activeJobIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for _, a := range r.active {
		ids = append(ids, a.id)
	}
	return ids
}

func (r *Runner) track(job Job, cancel context.CancelFunc) {
	r.mu.Lock()
	r.active[job.RecordingID] = &activeJob{id: job.ID, cancel: cancel, started: time.Now()}
	r.mu.Unlock()
}

func (r *Runner) untrack(job Job) {
	r.mu.Lock()
	if a, ok := r.active[job.RecordingID]; ok && a.id == job.ID {
		delete(r.active, job.RecordingID)
	}
	r.mu.Unlock()
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()
	log := r.log.With().Int("worker", id).Logger()

	for job := range r.jobs {
		r.run(log, job)
	}
}

// run drives one job through the state machine until it completes, fails,
// or is abandoned.
func (r *Runner) run(log zerolog.Logger, job Job) {
	log = log.With().Int64("recording_id", job.RecordingID).Str("job_id", job.ID).Logger()

	if r.ctx.Err() != nil {
		r.abandon(log, job)
		return
	}

	rec, err := r.opts.Store.GetRecording(r.ctx, job.RecordingID)
	if err != nil {
		if errors.Is(err, database.ErrRecordingNotFound) {
			log.Warn().Msg("recording deleted before job started")
			return
		}
		log.Error().Err(err).Msg("failed to load recording")
		r.abandon(log, job)
		return
	}
	if rec.Status == database.StatusCompleted {
		log.Info().Msg("recording already transcribed, skipping")
		metrics.JobsTotal.WithLabelValues("skipped").Inc()
		return
	}
	if !rec.HasJob(job.ID) {
		log.Info().Str("status", string(rec.Status)).Msg("job no longer owns recording, skipping")
		metrics.JobsTotal.WithLabelValues("stale").Inc()
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	r.track(job, cancel)
	defer r.untrack(job)

	st := newJobState(r.opts.MaxAttempts)
	for {
		alog := log.With().Int("attempt", int(st.attempt)).Logger()
		switch st.phase {
		case phaseExecute:
			owned, err := r.opts.Store.MarkAttempt(ctx, job.RecordingID, job.ID, int(st.attempt))
			if err == nil && !owned {
				alog.Info().Msg("job no longer owns recording, stopping")
				metrics.JobsTotal.WithLabelValues("stale").Inc()
				return
			}
			if err != nil && ctx.Err() == nil {
				alog.Warn().Err(err).Msg("failed to record attempt")
			}
			res, err := r.attempt(ctx, alog, rec, st.attempt)
			if err != nil {
				alog.Warn().Err(err).Msg("transcription attempt failed")
				st.failAttempt(err)
			} else {
				st.succeed(res)
			}

		case phaseBackoff:
			alog.Info().Dur("delay", r.opts.RetryDelay).Msg("retrying transcription")
			t := time.NewTimer(r.opts.RetryDelay)
			select {
			case <-t.C:
				st.next()
			case <-ctx.Done():
				t.Stop()
				st.failAttempt(ctx.Err())
			}

		case phaseComplete:
			r.complete(alog, job, st.result)
			return

		case phaseFail:
			r.fail(alog, job, st)
			return

		case phaseAbandon:
			r.abandon(alog, job)
			return
		}
	}
}

// attempt runs one execution: resolve backend, fetch audio, recognize. The
// hard ceiling is enforced here even if the backend ignores cancellation; its
// late result is dropped.
func (r *Runner) attempt(ctx context.Context, log zerolog.Logger, rec *database.Recording, n attempt) (*Result, error) {
	backend, err := r.opts.Backends.Resolve(rec.Backend, r.opts.Device)
	if err != nil {
		return nil, err
	}
	metrics.JobAttemptsTotal.WithLabelValues(backend.Kind().String()).Inc()

	actx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	if r.opts.SoftTimeout > 0 {
		soft := time.AfterFunc(r.opts.SoftTimeout, func() {
			log.Warn().Dur("soft_limit", r.opts.SoftTimeout).Msg("transcription exceeded soft time limit")
		})
		defer soft.Stop()
	}

	path, cleanup, err := r.opts.Audio.Fetch(actx, rec.AudioPath, rec.Owner)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	defer cleanup()

	if n == 1 && rec.DurationSeconds == nil && r.opts.Inspector != nil {
		r.recordDuration(actx, log, rec.ID, path)
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := backend.Transcribe(actx, path, rec.Model, rec.Language)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		metrics.JobDuration.WithLabelValues(backend.Kind().String()).Observe(time.Since(start).Seconds())
		log.Debug().
			Str("backend", backend.Kind().String()).
			Dur("took", time.Since(start)).
			Msg("recognition finished")
		return o.res, nil
	case <-actx.Done():
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: exceeded hard time limit of %s", ErrRecognition, r.opts.Timeout)
	}
}

func (r *Runner) recordDuration(ctx context.Context, log zerolog.Logger, id int64, path string) {
	info, err := r.opts.Inspector.Inspect(ctx, path)
	if err != nil || info.Duration <= 0 {
		return
	}
	if err := r.opts.Store.SetRecordingDuration(ctx, id, info.Duration.Seconds()); err != nil {
		log.Warn().Err(err).Msg("failed to store audio duration")
	}
}

func (r *Runner) complete(log zerolog.Logger, job Job, res *Result) {
	ctx, cancel := persistContext()
	defer cancel()

	var segments json.RawMessage
	if len(res.Segments) > 0 {
		if b, err := json.Marshal(res.Segments); err == nil {
			segments = b
		}
	}
	update := database.TranscriptUpdate{
		Text:     res.Text,
		Language: res.Language,
		Segments: segments,
	}
	owned, err := persist(ctx, func(ctx context.Context) (bool, error) {
		return r.opts.Store.CompleteRecording(ctx, job.RecordingID, job.ID, update)
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to store transcript")
		r.abandon(log, job)
		return
	}
	if !owned {
		log.Info().Msg("job no longer owns recording, discarding result")
		metrics.JobsTotal.WithLabelValues("stale").Inc()
		return
	}

	r.completed.Add(1)
	metrics.JobsTotal.WithLabelValues("completed").Inc()
	log.Info().
		Int("chars", len(res.Text)).
		Int("segments", len(res.Segments)).
		Str("language", res.Language).
		Dur("wait", time.Since(job.Enqueued)).
		Msg("transcription complete")
	r.publish(StatusEvent{RecordingID: job.RecordingID, JobID: job.ID, Status: database.StatusCompleted})
}

func (r *Runner) fail(log zerolog.Logger, job Job, st *jobState) {
	ctx, cancel := persistContext()
	defer cancel()

	msg := st.failureMessage()
	owned, err := persist(ctx, func(ctx context.Context) (bool, error) {
		return r.opts.Store.FailRecording(ctx, job.RecordingID, job.ID, msg)
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to store failure")
		r.abandon(log, job)
		return
	}
	if !owned {
		log.Info().Msg("job no longer owns recording, discarding failure")
		metrics.JobsTotal.WithLabelValues("stale").Inc()
		return
	}

	r.failed.Add(1)
	metrics.JobsTotal.WithLabelValues("failed").Inc()
	log.Error().Err(st.lastErr).Int("attempts", int(st.attempt)).Msg("transcription failed")
	r.publish(StatusEvent{
		RecordingID: job.RecordingID,
		JobID:       job.ID,
		Status:      database.StatusFailed,
		Attempt:     int(st.attempt),
		Error:       msg,
	})
}

// abandon hands the recording back to Uploaded if the job still owns it. After
// an explicit cancel the recording is already Uploaded and this is a no-op.
// It is also the fallback when a final write cannot be stored.
func (r *Runner) abandon(log zerolog.Logger, job Job) {
	ctx, cancel := persistContext()
	defer cancel()

	owned, err := persist(ctx, func(ctx context.Context) (bool, error) {
		return r.opts.Store.ReleaseRecording(ctx, job.RecordingID, job.ID)
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to release recording, left for reconciliation")
		return
	}
	if owned {
		log.Info().Msg("job interrupted, recording returned to uploaded")
		r.publish(StatusEvent{RecordingID: job.RecordingID, JobID: job.ID, Status: database.StatusUploaded})
	}
}

func (r *Runner) publish(ev StatusEvent) {
	if r.opts.PublishEvent == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	r.opts.PublishEvent(ev)
}

// persistContext bounds final writes, which must happen even when the job
// context is already cancelled.
func persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

const persistAttempts = 3

var persistBackoff = 200 * time.Millisecond

// persist retries a conditional write on store errors. A false result is not
// retried: the recording has moved on without this job.
func persist(ctx context.Context, write func(context.Context) (bool, error)) (bool, error) {
	var err error
	for i := 0; i < persistAttempts; i++ {
		if i > 0 {
			t := time.NewTimer(time.Duration(i) * persistBackoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return false, err
			}
		}
		var owned bool
		if owned, err = write(ctx); err == nil {
			return owned, nil
		}
	}
	return false, err
}

func mapStoreErr(err error) error {
	if errors.Is(err, database.ErrRecordingNotFound) {
		return ErrRecordingNotFound
	}
	return err
}
