package certif

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Scille/parsec-cloud-sub017/internal/seal"
	"github.com/Scille/parsec-cloud-sub017/internal/storage"
)

// ErrIndexRegressed means the local log shrank between reading the
// count and ingesting a batch (the redaction switch cleared it); the
// caller restarts its poll from the new count.
var ErrIndexRegressed = errors.New("certificate index regressed")

// Store is the local append-only certificate log plus the folded view
// of it. Appends are validated against the fold before they are
// persisted, so the log never holds a certificate the validator would
// reject.
type Store struct {
	backend   storage.Backend
	validator Validator

	// writeMu serializes appenders across the whole
	// read-count/fetch/validate/persist cycle.
	writeMu sync.Mutex

	mu   sync.RWMutex
	snap *Snapshot
}

// OpenStore folds the persisted log into memory. Persisted
// certificates were validated on append, so they are decoded without
// re-running the validator.
func OpenStore(ctx context.Context, backend storage.Backend, root seal.VerifyKey) (*Store, error) {
	s := &Store{
		backend:   backend,
		validator: Validator{Root: root},
		snap:      emptySnapshot(),
	}
	rows, err := backend.ListCertificates(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load certificate log: %w", err)
	}
	for _, row := range rows {
		cert, err := Unverified(row.Raw)
		if err != nil {
			return nil, fmt.Errorf("certificate %d in local log: %w", row.Index, err)
		}
		s.snap.apply(cert, row.Raw)
	}
	return s, nil
}

// Current returns the folded view of the whole log. The returned
// snapshot is immutable; it stays consistent while the log grows.
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Store) Count() uint64 {
	return s.Current().Count()
}

// SnapshotAt folds the log up to the given point. UpToCurrent is
// served from the cached fold; a fixed index refolds the prefix from
// storage.
func (s *Store) SnapshotAt(ctx context.Context, upTo UpTo) (*Snapshot, error) {
	if upTo.current {
		return s.Current(), nil
	}
	rows, err := s.backend.ListCertificates(ctx, 0)
	if err != nil {
		return nil, err
	}
	snap := emptySnapshot()
	for _, row := range rows {
		if row.Index > upTo.index {
			break
		}
		cert, err := Unverified(row.Raw)
		if err != nil {
			return nil, fmt.Errorf("certificate %d in local log: %w", row.Index, err)
		}
		snap.apply(cert, row.Raw)
	}
	if snap.count < upTo.index {
		return nil, fmt.Errorf("certificate index %d past end of log (%d)", upTo.index, snap.count)
	}
	return snap, nil
}

// Ingest validates and appends a batch fetched at serverOffset.
// Entries another appender already applied are skipped; an invalid
// certificate aborts the rest of the batch after the valid prefix has
// been persisted. Returns how many certificates were appended.
func (s *Store) Ingest(ctx context.Context, serverOffset uint64, batch [][]byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.Current()
	if current.count < serverOffset {
		return 0, ErrIndexRegressed
	}
	skip := current.count - serverOffset
	if skip >= uint64(len(batch)) {
		return 0, nil
	}
	batch = batch[skip:]

	working := current.clone()
	var rows []storage.CertificateRow
	var rejected error
	for _, raw := range batch {
		cert, validation := s.validator.Validate(working, raw, false)
		if validation.Verdict != VerdictAccept {
			rejected = &InvalidCertificateError{
				Index:  working.count + 1,
				Reason: validation.Reason,
			}
			break
		}
		rows = append(rows, storage.CertificateRow{
			Scope:       cert.Scope(),
			Timestamp:   cert.Timestamp,
			ContentHash: seal.Hash(raw),
			Raw:         raw,
		})
		working.apply(cert, raw)
	}

	// working only folds the accepted prefix, so it matches storage
	// even when the tail of the batch was rejected.
	if len(rows) > 0 {
		if err := s.backend.AppendCertificates(ctx, rows); err != nil {
			return 0, err
		}
		s.mu.Lock()
		s.snap = working
		s.mu.Unlock()
	}
	return len(rows), rejected
}

// Prevalidate runs the validator on a locally produced candidate
// without appending it, surfacing VerdictRetry before a round trip.
func (s *Store) Prevalidate(raw []byte) Validation {
	_, validation := s.validator.Validate(s.Current(), raw, true)
	return validation
}

// Clear wipes the log, for the redaction switch. Appenders observe the
// shrink through ErrIndexRegressed and restart from zero.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.backend.ClearCertificates(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.snap = emptySnapshot()
	s.mu.Unlock()
	return nil
}
