package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// recordsSub is the subcollection under each owner document. Firestore paths
// alternate collection/document, so "<collection>/<owner>/<id>" becomes
// "<collection>/<owner>/records/<id>".
const recordsSub = "records"

// FirestoreStore keeps records as Firestore documents.
type FirestoreStore struct {
	client *firestore.Client
}

type firestoreRecord struct {
	CreatedAt time.Time      `firestore:"createdAt"`
	Enabled   bool           `firestore:"enabled"`
	Payload   map[string]any `firestore:"payload"`
}

// OpenFirestore creates a client for projectID using application default credentials.
func OpenFirestore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

// Close closes the client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) doc(collection, owner, id string) *firestore.DocumentRef {
	return s.client.Collection(collection).Doc(owner).Collection(recordsSub).Doc(id)
}

func (s *FirestoreStore) PutRecord(ctx context.Context, r Record) error {
	var payload map[string]any
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return fmt.Errorf("decoding payload for %s: %w", r.Key(), err)
	}
	_, err := s.doc(r.Collection, r.OwnerID, r.ID).Create(ctx, firestoreRecord{
		CreatedAt: r.CreatedAt.UTC(),
		Enabled:   r.Enabled,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("creating %s: %w", r.Key(), err)
	}
	return nil
}

func (s *FirestoreStore) GetRecord(ctx context.Context, collection, owner, id string) (Record, error) {
	snap, err := s.doc(collection, owner, id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return fromSnapshot(collection, owner, snap)
}

func (s *FirestoreStore) ScanRecords(ctx context.Context, collection, owner string) ([]Record, error) {
	iter := s.client.Collection(collection).Doc(owner).Collection(recordsSub).Documents(ctx)
	defer iter.Stop()

	var out []Record
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		r, err := fromSnapshot(collection, owner, snap)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// SetRecordEnabled updates only the enabled field; Update fails with
// NotFound rather than creating the document.
func (s *FirestoreStore) SetRecordEnabled(ctx context.Context, collection, owner, id string, enabled bool) error {
	_, err := s.doc(collection, owner, id).Update(ctx, []firestore.Update{{Path: "enabled", Value: enabled}})
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return err
}

func fromSnapshot(collection, owner string, snap *firestore.DocumentSnapshot) (Record, error) {
	var fr firestoreRecord
	if err := snap.DataTo(&fr); err != nil {
		return Record{}, fmt.Errorf("decoding %s: %w", snap.Ref.Path, err)
	}
	payload, err := json.Marshal(fr.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("encoding payload for %s: %w", snap.Ref.Path, err)
	}
	return Record{
		Collection: collection,
		OwnerID:    owner,
		ID:         snap.Ref.ID,
		CreatedAt:  fr.CreatedAt.UTC(),
		Enabled:    fr.Enabled,
		Payload:    payload,
	}, nil
}
