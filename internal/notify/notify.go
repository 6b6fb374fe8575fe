// Package notify delivers reminder notifications from the SQLite job outbox.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/medidash/internal/retry"
	"github.com/kalambet/medidash/internal/storage"
)

// JobType is the outbox job type for reminder notifications.
const JobType = "reminder_notify"

// Payload is the job body enqueued when a reminder is created.
type Payload struct {
	OwnerID      string `json:"owner_id"`
	ReminderID   string `json:"reminder_id"`
	MedicineName string `json:"medicine_name"`
	Time         string `json:"time"`
	Recurrence   string `json:"recurrence"`
}

// Enqueuer is the write side of the job queue. Implemented by storage.Store.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Outbox turns reminder payloads into queued jobs.
type Outbox struct {
	store Enqueuer
}

// NewOutbox creates an Outbox writing to store.
func NewOutbox(store Enqueuer) *Outbox {
	return &Outbox{store: store}
}

// Enqueue queues a notification for p.
func (o *Outbox) Enqueue(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding notification payload: %w", err)
	}
	return o.store.EnqueueJob(ctx, storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(body),
	})
}

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, p Payload) error
}

// LogNotifier writes notifications to the structured log. Used when no
// webhook is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, p Payload) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("reminder scheduled",
		"owner", p.OwnerID, "reminder_id", p.ReminderID,
		"medicine", p.MedicineName, "time", p.Time, "recurrence", p.Recurrence)
	return nil
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook: %d %s: %s", e.Code, http.StatusText(e.Code), strings.TrimSpace(e.Body))
}

// StatusCode reports the HTTP status for retry classification.
func (e *StatusError) StatusCode() int { return e.Code }

// WebhookNotifier POSTs the payload as JSON to a URL, retrying transient
// failures under Policy.
type WebhookNotifier struct {
	url        string
	token      string
	policy     retry.Policy
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier for url. token, when set, is sent
// as a bearer token.
func NewWebhookNotifier(url, token string, policy retry.Policy) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		token:      token,
		policy:     policy,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding webhook body: %w", err)
	}
	_, err = retry.Do(ctx, n.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, n.post(ctx, body)
	})
	return err
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	return nil
}
