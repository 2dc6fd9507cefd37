package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	webhookQueueSize = 1024
	webhookAttempts  = 2
	webhookTimeout   = 10 * time.Second
)

// auditRecord is one audit event as delivered to the webhook. Session and
// account fields are top-level so receivers can index them without parsing
// free-form attributes.
type auditRecord struct {
	Event     AuditEvent `json:"event"`
	Outcome   string     `json:"outcome"`
	At        time.Time  `json:"at"`
	UserID    string     `json:"user_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Handle    string     `json:"handle,omitempty"`
	ClientIP  string     `json:"client_ip,omitempty"`
	Remote    string     `json:"remote_addr,omitempty"`
	Path      string     `json:"path,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// set copies a slog attribute into the matching record field. Attributes
// with no field of their own are dropped from the webhook payload; they
// still reach the log.
func (rec *auditRecord) set(a slog.Attr) {
	v := a.Value.String()
	switch a.Key {
	case "user_id":
		rec.UserID = v
	case "session_id":
		rec.SessionID = v
	case "handle":
		rec.Handle = v
	case "client_ip":
		rec.ClientIP = v
	case "path":
		rec.Path = v
	case "reason":
		rec.Reason = v
	}
}

// auditWebhook posts audit records to an external endpoint from one
// background goroutine. enqueue never blocks the request path; when the
// queue is full the record is dropped and logged.
type auditWebhook struct {
	url        string
	header     string // "Name: value", optional
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	events     chan auditRecord
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

func newAuditWebhook(url, header string, logger *slog.Logger) *auditWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &auditWebhook{
		url:        url,
		header:     header,
		client:     &http.Client{Timeout: webhookTimeout},
		logger:     logger.With("component", "audit_webhook"),
		retryDelay: time.Second,
		events:     make(chan auditRecord, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *auditWebhook) enqueue(rec auditRecord) {
	select {
	case w.events <- rec:
	default:
		w.logger.Warn("audit webhook queue full, dropping record",
			"event", rec.Event, "user_id", rec.UserID)
	}
}

// close stops intake and blocks until queued records have been attempted.
func (w *auditWebhook) close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *auditWebhook) run() {
	defer w.wg.Done()
	for rec := range w.events {
		body, err := json.Marshal(rec)
		if err != nil {
			w.logger.Warn("encoding audit record", "event", rec.Event, "error", err)
			continue
		}
		w.deliver(rec.Event, body)
	}
}

// deliver retries transport failures and 5xx answers; any other non-2xx
// answer is final.
func (w *auditWebhook) deliver(event AuditEvent, body []byte) {
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		retry, err := w.post(event, body)
		if err == nil {
			return
		}
		w.logger.Warn("audit webhook delivery failed",
			"event", event, "attempt", attempt, "error", err)
		if !retry {
			return
		}
	}
}

func (w *auditWebhook) post(event AuditEvent, body []byte) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Murmur-Audit-Webhook/1.0")
	req.Header.Set("Murmur-Audit-Event", string(event))
	if name, value, ok := strings.Cut(w.header, ":"); ok {
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("endpoint rejected record with %d", resp.StatusCode)
	}
}
