package transcribe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snarg/scribe-engine/internal/audio"
	"github.com/snarg/scribe-engine/internal/database"
)

// Store persists recordings. Every mutation made on behalf of a job is
// conditional on the job still owning the recording (status Processing under
// its job id); a false return means the job is stale.
type Store interface {
	GetRecording(ctx context.Context, id int64) (*database.Recording, error)
	ClaimRecording(ctx context.Context, id int64, jobID string, from ...database.RecordingStatus) (*database.Recording, error)
	MarkAttempt(ctx context.Context, id int64, jobID string, attempt int) (bool, error)
	CompleteRecording(ctx context.Context, id int64, jobID string, u database.TranscriptUpdate) (bool, error)
	FailRecording(ctx context.Context, id int64, jobID, message string) (bool, error)
	ReleaseRecording(ctx context.Context, id int64, jobID string) (bool, error)
	CancelRecording(ctx context.Context, id int64) (jobID string, ok bool, err error)
	SetRecordingDuration(ctx context.Context, id int64, seconds float64) error
	ResetStaleProcessing(ctx context.Context, cutoff time.Time, active []string) ([]int64, error)
}

// BackendResolver maps a backend name and device hint to a backend.
type BackendResolver interface {
	Resolve(name, device string) (Backend, error)
}

// AudioSource makes a recording's audio available as a local file. cleanup
// removes any temporary copy and is always safe to call.
type AudioSource interface {
	Fetch(ctx context.Context, key, owner string) (path string, cleanup func(), err error)
}

// AudioInspector reads audio metadata. Used to record durations.
type AudioInspector interface {
	Inspect(ctx context.Context, path string) (audio.Info, error)
}

// Job is one enqueued transcription of a recording.
type Job struct {
	ID          string
	RecordingID int64
	Enqueued    time.Time
}

// StatusEvent describes a recording status transition.
type StatusEvent struct {
	RecordingID int64                    `json:"recording_id"`
	JobID       string                   `json:"job_id,omitempty"`
	Status      database.RecordingStatus `json:"status"`
	Attempt     int                      `json:"attempt,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Time        time.Time                `json:"time"`
}

// EventPublishFunc is a callback for publishing status events.
type EventPublishFunc func(StatusEvent)

// phase is a step of the per-job state machine.
type phase int

const (
	phaseExecute  phase = iota // run one attempt
	phaseBackoff               // wait out the retry delay
	phaseComplete              // store the transcript
	phaseFail                  // terminal failure, store the error summary
	phaseAbandon               // cancelled or shutting down, hand the recording back
)

func (p phase) String() string {
	switch p {
	case phaseExecute:
		return "execute"
	case phaseBackoff:
		return "backoff"
	case phaseComplete:
		return "complete"
	case phaseFail:
		return "fail"
	case phaseAbandon:
		return "abandon"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// attempt is a 1-based attempt number.
type attempt int

// jobState drives one job through its attempts. The attempt counter only
// moves forward through next and never exceeds the budget.
type jobState struct {
	phase   phase
	attempt attempt
	budget  attempt
	lastErr error
	result  *Result
}

func newJobState(budget int) *jobState {
	if budget < 1 {
		budget = 1
	}
	return &jobState{phase: phaseExecute, attempt: 1, budget: attempt(budget)}
}

// succeed records a successful attempt.
func (s *jobState) succeed(res *Result) {
	s.result = res
	s.phase = phaseComplete
}

// failAttempt records a failed attempt and picks the next phase.
func (s *jobState) failAttempt(err error) {
	s.lastErr = err
	switch {
	case errors.Is(err, context.Canceled):
		s.phase = phaseAbandon
	case IsPermanent(err), s.attempt >= s.budget:
		s.phase = phaseFail
	default:
		s.phase = phaseBackoff
	}
}

// next starts the following attempt after a backoff.
func (s *jobState) next() {
	if s.phase != phaseBackoff || s.attempt >= s.budget {
		panic(fmt.Sprintf("transcribe: next from %s at attempt %d/%d", s.phase, s.attempt, s.budget))
	}
	s.attempt++
	s.phase = phaseExecute
}

// failureMessage is the human-readable summary stored on a failed recording.
func (s *jobState) failureMessage() string {
	noun := "attempts"
	if s.attempt == 1 {
		noun = "attempt"
	}
	if s.lastErr == nil {
		return fmt.Sprintf("transcription failed after %d %s", s.attempt, noun)
	}
	return fmt.Sprintf("transcription failed after %d %s: %v", s.attempt, noun, s.lastErr)
}
