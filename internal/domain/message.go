package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind classifies the payload carried by an envelope.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindLocation MessageKind = "location"
	KindContact  MessageKind = "contact"
)

// Priority orders envelopes for dispatch. It is advisory metadata; delivery
// order within a bulk batch is the caller's input order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status is the delivery state of an envelope. Pending is the only
// non-terminal status: sent, failed, and error never change afterwards.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusError
}

// MaxTextLength is the largest text body accepted by any channel.
const MaxTextLength = 4096

// Content is the payload of an envelope.
type Content struct {
	Text      string            `json:"text"`
	MediaPath string            `json:"mediaPath,omitempty"` // local path or URL for non-text kinds
	Metadata  map[string]string `json:"metadata,omitempty"`  // channel extras (mail: subject, html)
}

// Subject returns the mail subject from content metadata, empty if unset.
func (c Content) Subject() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata["subject"]
}

// HTMLBody returns the optional HTML alternative body for mail delivery.
func (c Content) HTMLBody() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata["html"]
}

// Envelope is one outbound message: who, what, and its delivery state.
type Envelope struct {
	ID          string         `json:"id"`
	Recipients  []Recipient    `json:"recipients"`
	Content     Content        `json:"content"`
	Kind        MessageKind    `json:"kind"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	ScheduledAt *time.Time     `json:"scheduledAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewEnvelope creates a pending text envelope with a fresh ID.
func NewEnvelope(recipients []Recipient, content Content) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Recipients: recipients,
		Content:    content,
		Kind:       KindText,
		Priority:   PriorityNormal,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
}

// Transition moves the envelope out of pending. Calling it on a terminal
// envelope is an error: retries must go through Retry instead.
func (e *Envelope) Transition(next Status) error {
	if e.Status != StatusPending {
		return fmt.Errorf("envelope %s is already %s, cannot become %s", e.ID, e.Status, next)
	}
	if !next.Terminal() {
		return fmt.Errorf("envelope %s: invalid transition to %s", e.ID, next)
	}
	e.Status = next
	return nil
}

// Retry returns a fresh pending envelope carrying the same recipients and
// content. The original keeps its terminal status.
func (e Envelope) Retry() Envelope {
	retry := e
	retry.ID = uuid.NewString()
	retry.Status = StatusPending
	retry.CreatedAt = time.Now()
	retry.Metadata = map[string]any{"retryOf": e.ID}
	return retry
}

// SendResult is the typed outcome of one send attempt.
type SendResult struct {
	Success   bool           `json:"success"`
	MessageID string         `json:"messageId,omitempty"`
	Error     *SendError     `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SuccessResult builds a successful SendResult with the provider message ID.
func SuccessResult(messageID string) SendResult {
	return SendResult{Success: true, MessageID: messageID, Timestamp: time.Now()}
}

// FailureResult builds a failed SendResult from a typed error.
func FailureResult(err *SendError) SendResult {
	return SendResult{Success: false, Error: err, Timestamp: time.Now()}
}

// WithMeta attaches a metadata entry and returns the result for chaining.
func (r SendResult) WithMeta(key string, value any) SendResult {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}
