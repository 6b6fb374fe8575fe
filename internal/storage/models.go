package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Record is one stored document addressed by collection/owner/id.
// Payload holds the JSON encoding of the domain value.
type Record struct {
	Collection string
	OwnerID    string
	ID         string
	CreatedAt  time.Time
	Enabled    bool
	Payload    []byte
}

// Key renders the hierarchical address "<collection>/<owner>/<id>".
func (r Record) Key() string {
	return r.Collection + "/" + r.OwnerID + "/" + r.ID
}

// recordTimeLayout keeps sub-second precision so ties are rare.
const recordTimeLayout = time.RFC3339Nano
