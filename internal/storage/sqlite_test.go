package storage

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	all, err := migrations()
	if err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if len(all) == 0 || all[0].version != 1 {
		t.Fatalf("migrations() = %+v, want 001 first", all)
	}

	applied, err := openTestStore(t).AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(applied) != len(all) {
		t.Fatalf("applied %v, embedded %d", applied, len(all))
	}
	for i, m := range all {
		if applied[i] != m.version {
			t.Errorf("applied[%d] = %d, want %d", i, applied[i], m.version)
		}
	}
}

// TestIndexesExist verifies the migration creates the lookup indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_records_owner", "idx_jobs_status_run_after"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func testRecord(id string, createdAt time.Time) Record {
	return Record{
		Collection: "reports",
		OwnerID:    "user-1",
		ID:         id,
		CreatedAt:  createdAt,
		Payload:    []byte(`{"name":"` + id + `"}`),
	}
}

// TestPutAndGetRecord saves a record and retrieves it by key.
func TestPutAndGetRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 3, 1, 9, 30, 0, 123_000_000, time.UTC)
	want := testRecord("rep-001", now)
	if err := s.PutRecord(ctx, want); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	got, err := s.GetRecord(ctx, "reports", "user-1", "rep-001")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Key() != "reports/user-1/rep-001" {
		t.Errorf("Key() = %q", got.Key())
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
	if string(got.Payload) != string(want.Payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, want.Payload)
	}
	if got.Enabled {
		t.Error("Enabled = true, want false")
	}
}

func TestPutRecord_DuplicateKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := testRecord("rep-dup", time.Now())
	if err := s.PutRecord(ctx, r); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if err := s.PutRecord(ctx, r); err == nil {
		t.Error("second PutRecord with the same key should fail")
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetRecord(context.Background(), "reports", "user-1", "nonexistent")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestScanRecords_ScopedByOwnerAndCollection verifies records of other owners
// and collections are not returned.
func TestScanRecords_ScopedByOwnerAndCollection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for j := 0; j < 3; j++ {
		if err := s.PutRecord(ctx, testRecord(fmt.Sprintf("rep-%02d", j), base.Add(time.Duration(j)*time.Hour))); err != nil {
			t.Fatalf("PutRecord %d: %v", j, err)
		}
	}
	other := testRecord("rep-other", base)
	other.OwnerID = "user-2"
	if err := s.PutRecord(ctx, other); err != nil {
		t.Fatalf("PutRecord other owner: %v", err)
	}
	rx := testRecord("rx-01", base)
	rx.Collection = "prescriptions"
	if err := s.PutRecord(ctx, rx); err != nil {
		t.Fatalf("PutRecord prescription: %v", err)
	}

	got, err := s.ScanRecords(ctx, "reports", "user-1")
	if err != nil {
		t.Fatalf("ScanRecords: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for _, r := range got {
		if r.OwnerID != "user-1" || r.Collection != "reports" {
			t.Errorf("unexpected record %s", r.Key())
		}
	}
}

func TestSetRecordEnabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := testRecord("rem-1", time.Now())
	r.Collection = "reminders"
	r.Enabled = true
	if err := s.PutRecord(ctx, r); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	if err := s.SetRecordEnabled(ctx, "reminders", "user-1", "rem-1", false); err != nil {
		t.Fatalf("SetRecordEnabled: %v", err)
	}
	got, err := s.GetRecord(ctx, "reminders", "user-1", "rem-1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Enabled {
		t.Error("Enabled = true after disabling")
	}
	if string(got.Payload) != string(r.Payload) {
		t.Errorf("payload changed: %s", got.Payload)
	}

	if err := s.SetRecordEnabled(ctx, "reminders", "user-1", "missing", true); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestProfileKeyRoundTrip sets a key and gets it back, then overwrites it.
func TestProfileKeyRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetProfileKey("user-1", "sex", "female"); err != nil {
		t.Fatalf("SetProfileKey: %v", err)
	}

	val, err := s.GetProfileKey("user-1", "sex")
	if err != nil {
		t.Fatalf("GetProfileKey: %v", err)
	}
	if val != "female" {
		t.Errorf("value = %q, want %q", val, "female")
	}

	if err := s.SetProfileKey("user-1", "sex", "other"); err != nil {
		t.Fatalf("SetProfileKey (overwrite): %v", err)
	}
	val, err = s.GetProfileKey("user-1", "sex")
	if err != nil {
		t.Fatalf("GetProfileKey (overwrite): %v", err)
	}
	if val != "other" {
		t.Errorf("value = %q, want %q", val, "other")
	}

	if _, err := s.GetProfileKey("user-2", "sex"); err != ErrNotFound {
		t.Errorf("other owner: err = %v, want ErrNotFound", err)
	}
}

func TestSetProfileKeys(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetProfileKeys("user-1", map[string]string{"displayName": "Asha", "sex": "female"}); err != nil {
		t.Fatalf("SetProfileKeys: %v", err)
	}
	got, err := s.GetAllProfileKeys("user-1")
	if err != nil {
		t.Fatalf("GetAllProfileKeys: %v", err)
	}
	if len(got) != 2 || got["displayName"] != "Asha" || got["sex"] != "female" {
		t.Errorf("keys = %v", got)
	}
}

// TestGetAllProfileKeys verifies keys are scoped to their owner.
func TestGetAllProfileKeys(t *testing.T) {
	s := openTestStore(t)

	keys := map[string]string{
		"displayName": "Asha",
		"dob":         "1980-04-12",
		"sex":         "female",
		"contact":     "+91 98450 00000",
		"locale":      "en-IN",
	}
	for k, v := range keys {
		if err := s.SetProfileKey("user-1", k, v); err != nil {
			t.Fatalf("SetProfileKey(%q): %v", k, err)
		}
	}
	if err := s.SetProfileKey("user-2", "dob", "1990-01-01"); err != nil {
		t.Fatalf("SetProfileKey user-2: %v", err)
	}

	got, err := s.GetAllProfileKeys("user-1")
	if err != nil {
		t.Fatalf("GetAllProfileKeys: %v", err)
	}

	if len(got) != 5 {
		t.Fatalf("got %d keys, want 5", len(got))
	}
	for k, want := range keys {
		if got[k] != want {
			t.Errorf("key %q = %q, want %q", k, got[k], want)
		}
	}
}

// TestJobsTableExists verifies the jobs table is created by migration and supports round-trip.
func TestJobsTableExists(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json) VALUES ('j1', 'reminder_notify', '{"reminder_id":"r1"}')`)
	if err != nil {
		t.Fatalf("INSERT into jobs: %v", err)
	}

	var id, typ, payload, status string
	var attempts, maxAttempts int
	err = s.db.QueryRow(`SELECT id, type, payload_json, status, attempts, max_attempts FROM jobs WHERE id = 'j1'`).
		Scan(&id, &typ, &payload, &status, &attempts, &maxAttempts)
	if err != nil {
		t.Fatalf("SELECT from jobs: %v", err)
	}

	if id != "j1" {
		t.Errorf("id = %q, want %q", id, "j1")
	}
	if typ != "reminder_notify" {
		t.Errorf("type = %q, want %q", typ, "reminder_notify")
	}
	if payload != `{"reminder_id":"r1"}` {
		t.Errorf("payload_json = %q, want %q", payload, `{"reminder_id":"r1"}`)
	}
	if status != "pending" {
		t.Errorf("status = %q, want %q", status, "pending")
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0", attempts)
	}
	if maxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", maxAttempts)
	}
}
