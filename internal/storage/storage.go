// Package storage holds job records for the orchestrator.
//
// Records live in a mutex-guarded map of immutable snapshots: every write
// builds a new record and swaps it in under the lock, so readers always see
// a complete snapshot. Each record has exactly one Writer, handed out by
// Create, and a record rejects all writes once it is terminal. Terminal
// records can be mirrored to a Persister so that results survive restarts,
// and are evicted after a TTL to bound memory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/takeru403/Ipoca-network/internal/logger"
	"github.com/takeru403/Ipoca-network/internal/models"
)

var (
	// ErrNotFound is returned for unknown or evicted process ids.
	ErrNotFound = errors.New("job not found")
	// ErrExists is returned when creating a record whose id is taken.
	ErrExists = errors.New("job already exists")
	// ErrFinalized is returned when writing to a completed or failed record.
	ErrFinalized = errors.New("job is finalized")
	// ErrProgressRegression is returned when an update lowers progress.
	ErrProgressRegression = errors.New("job progress must not decrease")
)

// Persister stores terminal job records outside the process.
type Persister interface {
	SaveJob(ctx context.Context, rec models.JobRecord) error
	LoadJobs(ctx context.Context) ([]models.JobRecord, error)
	DeleteJobs(ctx context.Context, ids []string) error
}

// Options configure a Store.
type Options struct {
	TTL        time.Duration // Terminal records older than this are evicted; 0 keeps them
	MaxRecords int           // Cap on stored records; 0 means unbounded
	Persister  Persister     // Optional
	Now        func() time.Time
}

// Store is the job-id keyed record table.
type Store struct {
	mu      sync.RWMutex
	records map[string]*models.JobRecord

	ttl        time.Duration
	maxRecords int
	persister  Persister
	now        func() time.Time
}

// New creates an empty store.
func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		records:    make(map[string]*models.JobRecord),
		ttl:        opts.TTL,
		maxRecords: opts.MaxRecords,
		persister:  opts.Persister,
		now:        now,
	}
}

// Restore loads persisted terminal records, skipping ids already present.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	recs, err := s.persister.LoadJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range recs {
		rec := recs[i]
		if _, exists := s.records[rec.ProcessID]; exists || !rec.Status.Terminal() {
			continue
		}
		s.records[rec.ProcessID] = &rec
		n++
	}
	return n, nil
}

// Create inserts a new processing record and returns its only Writer.
func (s *Store) Create(processID, filename, message string) (*Writer, error) {
	now := s.now()
	rec := &models.JobRecord{
		ProcessID:   processID,
		Status:      models.StatusProcessing,
		Progress:    0,
		CurrentStep: "queued",
		Message:     message,
		Filename:    filename,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job record: %w", err)
	}

	s.mu.Lock()
	if _, exists := s.records[processID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, processID)
	}
	s.records[processID] = rec
	dropped := s.enforceCapLocked()
	s.mu.Unlock()

	s.forget(dropped)
	return &Writer{store: s, id: processID}, nil
}

// Get returns a copy of the current snapshot of a record.
func (s *Store) Get(processID string) (models.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[processID]
	if !exists {
		return models.JobRecord{}, fmt.Errorf("%w: %s", ErrNotFound, processID)
	}
	return rec.Clone(), nil
}

// Latest returns the most recently completed record.
func (s *Store) Latest() (models.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.JobRecord
	for _, rec := range s.records {
		if rec.Status != models.StatusCompleted || rec.FinishedAt == nil {
			continue
		}
		if latest == nil || rec.FinishedAt.After(*latest.FinishedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return models.JobRecord{}, fmt.Errorf("%w: no completed job", ErrNotFound)
	}
	return latest.Clone(), nil
}

// List returns copies of all records, newest first.
func (s *Store) List() []models.JobRecord {
	s.mu.RLock()
	out := make([]models.JobRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// EvictExpired removes terminal records that finished more than TTL ago
// and returns how many were removed. Processing records are never evicted.
func (s *Store) EvictExpired() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	var expired []string
	for id, rec := range s.records {
		if rec.Status.Terminal() && rec.FinishedAt != nil && rec.FinishedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(s.records, id)
		}
	}
	s.mu.Unlock()

	s.forget(expired)
	return len(expired)
}

// enforceCapLocked drops the oldest terminal records above maxRecords.
func (s *Store) enforceCapLocked() []string {
	if s.maxRecords <= 0 || len(s.records) <= s.maxRecords {
		return nil
	}

	var terminal []*models.JobRecord
	for _, rec := range s.records {
		if rec.Status.Terminal() {
			terminal = append(terminal, rec)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
	})

	var dropped []string
	for _, rec := range terminal {
		if len(s.records) <= s.maxRecords {
			break
		}
		delete(s.records, rec.ProcessID)
		dropped = append(dropped, rec.ProcessID)
	}
	return dropped
}

func (s *Store) forget(ids []string) {
	if len(ids) == 0 || s.persister == nil {
		return
	}
	if err := s.persister.DeleteJobs(context.Background(), ids); err != nil {
		logger.Warn("Failed to delete %d persisted jobs: %v", len(ids), err)
	}
}

// Writer is the single write handle for one record.
type Writer struct {
	store *Store
	id    string
}

// ID returns the record's process id.
func (w *Writer) ID() string { return w.id }

// update applies fn to a copy of the current record and swaps the copy in.
func (w *Writer) update(fn func(*models.JobRecord)) error {
	s := w.store

	s.mu.Lock()
	cur, exists := s.records[w.id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, w.id)
	}
	if cur.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrFinalized, w.id, cur.Status)
	}

	next := cur.Clone()
	fn(&next)
	if next.Progress < cur.Progress {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d -> %d", ErrProgressRegression, cur.Progress, next.Progress)
	}
	next.ProcessID = cur.ProcessID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	if next.UpdatedAt.Before(next.CreatedAt) {
		next.UpdatedAt = next.CreatedAt
	}
	if next.Status.Terminal() {
		fin := next.UpdatedAt
		next.FinishedAt = &fin
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid job update: %w", err)
	}
	s.records[w.id] = &next
	s.mu.Unlock()

	if next.Status.Terminal() && s.persister != nil {
		if err := s.persister.SaveJob(context.Background(), next); err != nil {
			logger.Warn("Failed to persist job %s: %v", w.id, err)
		}
	}
	return nil
}

// Advance moves the record to a new stage.
func (w *Writer) Advance(step string, progress int, message string) error {
	return w.update(func(r *models.JobRecord) {
		r.CurrentStep = step
		r.Progress = progress
		r.Message = message
	})
}

// Complete finalizes the record with a result payload.
func (w *Writer) Complete(result json.RawMessage, message string) error {
	return w.update(func(r *models.JobRecord) {
		r.Status = models.StatusCompleted
		r.Progress = 100
		r.CurrentStep = "completed"
		r.Message = message
		r.Result = result
	})
}

// Fail finalizes the record as failed, keeping the progress reached.
func (w *Writer) Fail(message string) error {
	return w.update(func(r *models.JobRecord) {
		r.Status = models.StatusFailed
		r.Message = message
		r.Result = nil
	})
}
