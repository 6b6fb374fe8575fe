package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/medidash/internal/retry"
	"github.com/kalambet/medidash/internal/storage"
)

type mockNotifier struct {
	mu        sync.Mutex
	delivered []Payload
	notifyFn  func(p Payload) error
}

func (m *mockNotifier) Notify(_ context.Context, p Payload) error {
	if m.notifyFn != nil {
		if err := m.notifyFn(p); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, p)
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, reminderID string) string {
	t.Helper()
	payload, _ := json.Marshal(Payload{
		OwnerID:      "user-1",
		ReminderID:   reminderID,
		MedicineName: "Metformin",
		Time:         "09:00",
		Recurrence:   "Daily",
	})
	job := storage.Job{
		ID:          "job-" + reminderID,
		Type:        JobType,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job.ID
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, jobID string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, jobID).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job %s: %v", jobID, err)
	}
	return status, attempts
}

func TestOutbox_Enqueue(t *testing.T) {
	store := openTestStore(t)
	outbox := NewOutbox(store)

	if err := outbox.Enqueue(context.Background(), Payload{OwnerID: "u1", ReminderID: "r1", MedicineName: "Aspirin"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := store.ClaimNextJob(context.Background(), JobType)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a queued job")
	}
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ReminderID != "r1" || p.MedicineName != "Aspirin" {
		t.Errorf("payload = %+v", p)
	}
}

func TestWorker_DeliversJob(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, store, "rem-1")

	notifier := &mockNotifier{}
	w := NewWorker(store, notifier, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.delivered) != 1 {
		t.Fatalf("delivered %d notifications, want 1", len(notifier.delivered))
	}
	if got := notifier.delivered[0].ReminderID; got != "rem-1" {
		t.Errorf("ReminderID = %q, want %q", got, "rem-1")
	}
	if status, _ := jobStatus(t, store, jobID); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_NoJob(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockNotifier{}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Error("RunOnce reported work on an empty queue")
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, store, "rem-r")

	var calls atomic.Int32
	w := NewWorker(store, &mockNotifier{
		notifyFn: func(Payload) error {
			if n := calls.Add(1); n <= 2 {
				return fmt.Errorf("transient error %d", n)
			}
			return nil
		},
	}, 0)

	ctx := context.Background()

	// 1st attempt fails and the job goes back to pending.
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	if status, attempts := jobStatus(t, store, jobID); status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	resetRunAfter(t, store, jobID)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}
	if _, attempts := jobStatus(t, store, jobID); attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts)
	}

	resetRunAfter(t, store, jobID)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}
	if status, _ := jobStatus(t, store, jobID); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, store, "rem-m")

	w := NewWorker(store, &mockNotifier{
		notifyFn: func(Payload) error { return errors.New("permanent error") },
	}, 0)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, jobID)
		}
	}

	if status, _ := jobStatus(t, store, jobID); status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_MalformedPayload(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(context.Background(), storage.Job{ID: "job-bad", Type: JobType, PayloadJSON: "{"}); err != nil {
		t.Fatal(err)
	}

	notifier := &mockNotifier{}
	w := NewWorker(store, notifier, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if len(notifier.delivered) != 0 {
		t.Error("malformed payload was delivered")
	}
	if _, attempts := jobStatus(t, store, "job-bad"); attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockNotifier{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorker_RunDrainsQueue(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "rem-a")
	enqueueTestJob(t, store, "rem-b")

	notifier := &mockNotifier{}
	w := NewWorker(store, notifier, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		notifier.mu.Lock()
		n := len(notifier.delivered)
		notifier.mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker did not drain both jobs before idling")
}

func fastPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestWebhookNotifier_Posts(t *testing.T) {
	var got Payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "secret", fastPolicy())
	if err := n.Notify(context.Background(), Payload{ReminderID: "r1", MedicineName: "Aspirin"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.ReminderID != "r1" {
		t.Errorf("posted payload = %+v", got)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestWebhookNotifier_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", fastPolicy())
	if err := n.Notify(context.Background(), Payload{ReminderID: "r1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhookNotifier_PermanentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", fastPolicy())
	err := n.Notify(context.Background(), Payload{ReminderID: "r1"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 StatusError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
