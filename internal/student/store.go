// Package student owns the identity store: enrolled student records, their
// balances, and the snapshot backends the store persists to.
package student

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"canteen/internal/logging"
)

// Backend reads and overwrites the complete serialized store.
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// Quarantiner is implemented by backends that can set an unreadable
// snapshot aside so that the next write does not destroy it.
type Quarantiner interface {
	Quarantine(ctx context.Context) (string, error)
}

// Stats summarizes the store.
type Stats struct {
	TotalStudents  int             `json:"total_students"`
	TotalBalance   decimal.Decimal `json:"total_balance"`
	AverageBalance decimal.Decimal `json:"avg_balance"`
}

// Store holds student records keyed by ID. All access goes through one
// mutex and every mutation is persisted before the call returns.
type Store struct {
	mu      sync.Mutex
	backend Backend
	log     logging.Logger
	now     func() time.Time
	records map[string]Record
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// ErrCorrupt is returned by Load when the snapshot cannot be decoded.
var ErrCorrupt = errors.New("corrupt snapshot")

// Load reads the store from backend and fails when an existing snapshot
// cannot be read or decoded. A missing snapshot yields an empty store.
func Load(ctx context.Context, backend Backend, log logging.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		log:     log,
		now:     time.Now,
		records: map[string]Record{},
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := backend.Read(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("%w: read snapshot: %w", ErrStorage, err)
	}
	records, err := decodeDocument(data, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	s.records = records
	return s, nil
}

// Open loads the store from backend. A missing snapshot yields an empty
// store. An unreadable one is quarantined when the backend supports it and
// the store starts empty.
func Open(ctx context.Context, backend Backend, log logging.Logger, opts ...Option) *Store {
	s, err := Load(ctx, backend, log, opts...)
	if err == nil {
		if s.Len() == 0 {
			log.Info(ctx, "no existing students, starting empty")
		} else {
			log.Info(ctx, "student store loaded", "students", s.Len())
		}
		return s
	}

	s = &Store{backend: backend, log: log, now: time.Now, records: map[string]Record{}}
	for _, opt := range opts {
		opt(s)
	}
	if !errors.Is(err, ErrCorrupt) {
		log.Error(ctx, "STUDENT STORE UNREADABLE, STARTING EMPTY", "error", err)
		return s
	}
	log.Error(ctx, "STUDENT STORE CORRUPT, STARTING EMPTY", "error", err)
	if q, ok := backend.(Quarantiner); ok {
		if moved, qerr := q.Quarantine(ctx); qerr != nil {
			log.Error(ctx, "quarantine corrupt store failed", "error", qerr)
		} else {
			log.Warn(ctx, "corrupt store moved aside", "path", moved)
		}
	}
	return s
}

// Enroll inserts a new record and persists the store.
func (s *Store) Enroll(ctx context.Context, nr NewRecord) (Record, error) {
	if nr.ID == "" {
		return Record{}, fmt.Errorf("%w: empty student id", ErrInvalidInput)
	}
	if nr.Balance.IsNegative() {
		return Record{}, fmt.Errorf("%w: negative initial balance", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[nr.ID]; ok {
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyExists, nr.ID)
	}
	rec := Record{
		ID:        nr.ID,
		FirstName: nr.FirstName,
		LastName:  nr.LastName,
		ImagePath: nr.ImagePath,
		Balance:   nr.Balance,
		CreatedAt: s.now().UTC(),
	}
	s.records[nr.ID] = rec
	if err := s.persistLocked(ctx); err != nil {
		delete(s.records, nr.ID)
		return Record{}, err
	}
	return rec.clone(), nil
}

// Lookup returns a copy of the record.
func (s *Store) Lookup(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r.clone(), ok
}

// List returns a snapshot of all records sorted by ID.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedRecords(s.records)
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Remove deletes a record and persists the store.
func (s *Store) Remove(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.records, id)
	if err := s.persistLocked(ctx); err != nil {
		s.records[id] = rec
		return Record{}, err
	}
	return rec.clone(), nil
}

// Update applies fn to a copy of the record and commits it only if fn
// succeeds and the store is persisted. On any failure the stored record is
// unchanged.
func (s *Store) Update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := prev.clone()
	if err := fn(&next); err != nil {
		return Record{}, err
	}
	next.ID = id
	if next.Balance.IsNegative() {
		return Record{}, fmt.Errorf("%w: balance would become negative", ErrInvalidInput)
	}

	s.records[id] = next
	if err := s.persistLocked(ctx); err != nil {
		s.records[id] = prev
		return Record{}, err
	}
	return next.clone(), nil
}

// Persist writes the whole store to the backend.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

// Stats returns totals over all records.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{TotalStudents: len(s.records), TotalBalance: decimal.Zero, AverageBalance: decimal.Zero}
	for _, r := range s.records {
		st.TotalBalance = st.TotalBalance.Add(r.Balance)
	}
	if st.TotalStudents > 0 {
		st.AverageBalance = st.TotalBalance.DivRound(decimal.NewFromInt(int64(st.TotalStudents)), 2)
	}
	return st
}

func (s *Store) persistLocked(ctx context.Context) error {
	data, err := encodeDocument(s.records)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := s.backend.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	s.log.Debug(ctx, "student store saved", "students", len(s.records))
	return nil
}
