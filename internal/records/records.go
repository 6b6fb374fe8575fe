// Package records persists analysis results under "<collection>/<owner>/<id>".
package records

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/medidash/internal/flow"
	"github.com/kalambet/medidash/internal/storage"
)

// Collection names a top-level record collection.
type Collection string

const (
	Reports       Collection = "reports"
	Prescriptions Collection = "prescriptions"
	Reminders     Collection = "reminders"
	NearbyResults Collection = "nearby_results"
)

// Collections lists every known collection.
var Collections = []Collection{Reports, Prescriptions, Reminders, NearbyResults}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return slices.Contains(Collections, c)
}

// ErrNotFound is returned by Get and SetEnabled for a missing record.
var ErrNotFound = storage.ErrNotFound

// Backend is the storage surface the repository needs. Implemented by
// storage.Store, storage.PostgresStore and storage.FirestoreStore.
type Backend interface {
	PutRecord(ctx context.Context, r storage.Record) error
	GetRecord(ctx context.Context, collection, owner, id string) (storage.Record, error)
	ScanRecords(ctx context.Context, collection, owner string) ([]storage.Record, error)
	SetRecordEnabled(ctx context.Context, collection, owner, id string, enabled bool) error
}

// Record is a stored result with its JSON payload.
type Record struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"ownerId"`
	Collection Collection      `json:"collection"`
	CreatedAt  time.Time       `json:"createdAt"`
	Enabled    bool            `json:"enabled"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals a record's payload into T.
func Decode[T any](r Record) (T, error) {
	var v T
	if err := json.Unmarshal(r.Payload, &v); err != nil {
		return v, fmt.Errorf("decoding %s/%s/%s: %w", r.Collection, r.OwnerID, r.ID, err)
	}
	return v, nil
}

// SaveOption adjusts a record before it is written.
type SaveOption func(*storage.Record)

// WithEnabled sets the initial enabled flag (reminders).
func WithEnabled(enabled bool) SaveOption {
	return func(r *storage.Record) { r.Enabled = enabled }
}

// Repository is the persistence adapter used by the flows.
type Repository struct {
	backend Backend
	now     func() time.Time
	newID   func() string
}

// New creates a Repository over backend.
func New(backend Backend) *Repository {
	return &Repository{
		backend: backend,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// NewWithClock creates a Repository with a custom clock (for testing).
func NewWithClock(backend Backend, now func() time.Time) *Repository {
	r := New(backend)
	r.now = now
	return r
}

// Save stores payload as a new record and returns its ID. The record is
// readable once Save returns.
func (r *Repository) Save(ctx context.Context, c Collection, owner string, payload any, opts ...SaveOption) (string, error) {
	if err := checkAddress(c, owner); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", flow.Wrap("", flow.KindPersistence, fmt.Errorf("encoding %s payload: %w", c, err))
	}

	rec := storage.Record{
		Collection: string(c),
		OwnerID:    owner,
		ID:         r.newID(),
		CreatedAt:  r.now().UTC().Truncate(time.Millisecond),
		Payload:    raw,
	}
	for _, opt := range opts {
		opt(&rec)
	}

	if err := r.backend.PutRecord(ctx, rec); err != nil {
		return "", flow.Wrap("", flow.KindPersistence, fmt.Errorf("saving %s: %w", rec.Key(), err))
	}
	return rec.ID, nil
}

// List returns the owner's records in c, newest first. Ties on CreatedAt
// are broken by ID so repeated listings are identical.
func (r *Repository) List(ctx context.Context, c Collection, owner string) ([]Record, error) {
	if err := checkAddress(c, owner); err != nil {
		return nil, err
	}
	rows, err := r.backend.ScanRecords(ctx, string(c), owner)
	if err != nil {
		return nil, flow.Wrap("", flow.KindPersistence, fmt.Errorf("listing %s/%s: %w", c, owner, err))
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromStorage(row))
	}
	slices.SortFunc(out, func(a, b Record) int {
		if n := b.CreatedAt.Compare(a.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Get returns one record or an error matching ErrNotFound.
func (r *Repository) Get(ctx context.Context, c Collection, owner, id string) (Record, error) {
	if err := checkAddress(c, owner); err != nil {
		return Record{}, err
	}
	row, err := r.backend.GetRecord(ctx, string(c), owner, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("%s/%s/%s: %w", c, owner, id, ErrNotFound)
	}
	if err != nil {
		return Record{}, flow.Wrap("", flow.KindPersistence, fmt.Errorf("reading %s/%s/%s: %w", c, owner, id, err))
	}
	return fromStorage(row), nil
}

// SetEnabled toggles a reminder. Only the enabled field changes.
func (r *Repository) SetEnabled(ctx context.Context, owner, id string, enabled bool) error {
	if err := checkAddress(Reminders, owner); err != nil {
		return err
	}
	err := r.backend.SetRecordEnabled(ctx, string(Reminders), owner, id, enabled)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s/%s/%s: %w", Reminders, owner, id, ErrNotFound)
	}
	if err != nil {
		return flow.Wrap("", flow.KindPersistence, fmt.Errorf("updating %s/%s/%s: %w", Reminders, owner, id, err))
	}
	return nil
}

func checkAddress(c Collection, owner string) error {
	if !c.Valid() {
		return flow.Inputf("unknown collection %q", c)
	}
	if owner == "" {
		return flow.Inputf("owner id is required")
	}
	return nil
}

func fromStorage(r storage.Record) Record {
	return Record{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		Collection: Collection(r.Collection),
		CreatedAt:  r.CreatedAt,
		Enabled:    r.Enabled,
		Payload:    json.RawMessage(r.Payload),
	}
}
