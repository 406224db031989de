package transcribe

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snarg/scribe-engine/internal/database"
)

// memStore is an in-memory Store with the same conditional-update semantics
// as the postgres implementation.
type memStore struct {
	mu     sync.Mutex
	recs   map[int64]*database.Recording
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[int64]*database.Recording)}
}

func (s *memStore) add(r database.Recording) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ID = s.nextID
	if r.Status == "" {
		r.Status = database.StatusUploaded
	}
	if r.Language == "" {
		r.Language = "ru"
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	s.recs[r.ID] = &r
	return r.ID
}

func (s *memStore) snapshot(id int64) database.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recs[id]
}

func ptr[T any](v T) *T { return &v }

func (s *memStore) GetRecording(_ context.Context, id int64) (*database.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return nil, database.ErrRecordingNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ClaimRecording(_ context.Context, id int64, jobID string, from ...database.RecordingStatus) (*database.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return nil, database.ErrRecordingNotFound
	}
	if !slices.Contains(from, r.Status) {
		return nil, database.ErrStatusConflict
	}
	r.Status = database.StatusProcessing
	r.JobID = ptr(jobID)
	r.Error = nil
	r.Attempts = 0
	r.UpdatedAt = time.Now()
	cp := *r
	return &cp, nil
}

// owned returns the record if jobID owns it. Must hold s.mu.
func (s *memStore) owned(id int64, jobID string) *database.Recording {
	r, ok := s.recs[id]
	if !ok || !r.HasJob(jobID) {
		return nil
	}
	return r
}

func (s *memStore) MarkAttempt(_ context.Context, id int64, jobID string, attempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.owned(id, jobID)
	if r == nil {
		return false, nil
	}
	r.Attempts = attempt
	r.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) CompleteRecording(_ context.Context, id int64, jobID string, u database.TranscriptUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.owned(id, jobID)
	if r == nil {
		return false, nil
	}
	r.Status = database.StatusCompleted
	r.Transcript = ptr(u.Text)
	r.DetectedLanguage = ptr(u.Language)
	r.Segments = u.Segments
	r.JobID = nil
	r.Error = nil
	r.ProcessedAt = ptr(time.Now())
	return true, nil
}

func (s *memStore) FailRecording(_ context.Context, id int64, jobID, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.owned(id, jobID)
	if r == nil {
		return false, nil
	}
	r.Status = database.StatusFailed
	r.Error = ptr(message)
	r.JobID = nil
	return true, nil
}

func (s *memStore) ReleaseRecording(_ context.Context, id int64, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.owned(id, jobID)
	if r == nil {
		return false, nil
	}
	r.Status = database.StatusUploaded
	r.JobID = nil
	return true, nil
}

func (s *memStore) CancelRecording(_ context.Context, id int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return "", false, database.ErrRecordingNotFound
	}
	if r.Status != database.StatusProcessing {
		return "", false, nil
	}
	prev := ""
	if r.JobID != nil {
		prev = *r.JobID
	}
	r.Status = database.StatusUploaded
	r.JobID = nil
	return prev, true, nil
}

func (s *memStore) SetRecordingDuration(_ context.Context, id int64, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.recs[id]; ok {
		r.DurationSeconds = ptr(seconds)
	}
	return nil
}

func (s *memStore) ResetStaleProcessing(_ context.Context, cutoff time.Time, active []string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, r := range s.recs {
		if r.Status != database.StatusProcessing || !r.UpdatedAt.Before(cutoff) {
			continue
		}
		if r.JobID != nil && slices.Contains(active, *r.JobID) {
			continue
		}
		r.Status = database.StatusUploaded
		r.JobID = nil
		ids = append(ids, id)
	}
	return ids, nil
}

var errStoreDown = errors.New("connection reset by peer")

// flakyStore wraps memStore and injects store errors. failGetAt fails that
// GetRecording call (1-based); the other counters fail the next n writes.
type flakyStore struct {
	*memStore
	failGetAt   int32
	getCalls    atomic.Int32
	completeErr atomic.Int32
	failErr     atomic.Int32
	releaseErr  atomic.Int32
}

func takeFailure(n *atomic.Int32) bool {
	for {
		v := n.Load()
		if v <= 0 {
			return false
		}
		if n.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

func (s *flakyStore) GetRecording(ctx context.Context, id int64) (*database.Recording, error) {
	if s.getCalls.Add(1) == s.failGetAt {
		return nil, errStoreDown
	}
	return s.memStore.GetRecording(ctx, id)
}

func (s *flakyStore) CompleteRecording(ctx context.Context, id int64, jobID string, u database.TranscriptUpdate) (bool, error) {
	if takeFailure(&s.completeErr) {
		return false, errStoreDown
	}
	return s.memStore.CompleteRecording(ctx, id, jobID, u)
}

func (s *flakyStore) FailRecording(ctx context.Context, id int64, jobID, message string) (bool, error) {
	if takeFailure(&s.failErr) {
		return false, errStoreDown
	}
	return s.memStore.FailRecording(ctx, id, jobID, message)
}

func (s *flakyStore) ReleaseRecording(ctx context.Context, id int64, jobID string) (bool, error) {
	if takeFailure(&s.releaseErr) {
		return false, errStoreDown
	}
	return s.memStore.ReleaseRecording(ctx, id, jobID)
}

// checkInvariants verifies the status-dependent nullability rules.
func checkInvariants(t *testing.T, r database.Recording) {
	t.Helper()
	if (r.Transcript != nil) != (r.Status == database.StatusCompleted) {
		t.Errorf("recording %d: status %s with transcript=%v", r.ID, r.Status, r.Transcript != nil)
	}
	if (r.Error != nil) != (r.Status == database.StatusFailed) {
		t.Errorf("recording %d: status %s with error=%v", r.ID, r.Status, r.Error != nil)
	}
	if (r.JobID != nil) != (r.Status == database.StatusProcessing) {
		t.Errorf("recording %d: status %s with job=%v", r.ID, r.Status, r.JobID != nil)
	}
}
