package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/medidash/internal/storage"
)

// JobStore is the consumer side of the outbox. Implemented by storage.Store.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types ...string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
}

// DefaultPollInterval is how long an idle worker waits before looking again.
const DefaultPollInterval = 500 * time.Millisecond

var errNoReminder = errors.New("payload has no reminder_id")

// Worker drains reminder notifications from the outbox. Failed deliveries
// are handed back to the store, which owns the backoff and attempt limit.
type Worker struct {
	store    JobStore
	notifier Notifier
	idle     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. A non-positive poll uses DefaultPollInterval.
func NewWorker(store JobStore, notifier Notifier, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Worker{store: store, notifier: notifier, idle: poll, logger: slog.Default()}
}

// Run processes jobs until ctx is cancelled. It drains everything that is
// due before sleeping.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		for ctx.Err() == nil {
			worked, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error("notify worker iteration failed", "error", err)
			}
			if !worked || err != nil {
				break
			}
		}
		timer.Reset(w.idle)
	}
}

// RunOnce claims and delivers at most one notification. It reports whether
// a job was claimed; a failed delivery still counts as work done.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, JobType)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := w.logger.With("job_id", job.ID, "attempt", job.Attempts+1)
	if err := w.deliver(ctx, job); err != nil {
		log.Warn("notification failed", "error", err)
		if err := w.store.FailJob(ctx, job.ID, err.Error()); err != nil {
			log.Error("recording notification failure", "error", err)
		}
		return true, nil
	}
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	log.Debug("notification delivered")
	return true, nil
}

func (w *Worker) deliver(ctx context.Context, job *storage.Job) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if p.ReminderID == "" {
		return errNoReminder
	}
	if err := w.notifier.Notify(ctx, p); err != nil {
		return fmt.Errorf("notifying reminder %s: %w", p.ReminderID, err)
	}
	return nil
}
