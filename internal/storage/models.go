package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a vendor update loses an optimistic
// concurrency check: another trigger changed the record since it was read.
var ErrConflict = errors.New("conflicting concurrent update")

// Task statuses.
const (
	TaskPending    = "PENDING"
	TaskInProgress = "IN_PROGRESS"
	TaskRetry      = "RETRY"
	TaskCompleted  = "COMPLETED"
	TaskFailed     = "FAILED"
)

// Task types.
const (
	TaskGenerate = "GENERATE"
	TaskSend     = "SEND"
)

// Task is one persisted unit of deferred work in the outreach queue.
// COMPLETED and FAILED tasks are immutable; the queue is append-style and
// tasks are never deleted.
type Task struct {
	ID          string
	VendorID    string
	Type        string // TaskGenerate or TaskSend
	Status      string
	ScheduledAt time.Time
	RetryCount  int
	Metadata    string // opaque JSON payload, see GeneratePayload / SendPayload
	LastError   string
	DedupeKey   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GeneratePayload is the metadata carried by a GENERATE task: the vendor
// snapshot captured at approval time.
type GeneratePayload struct {
	Vendor Vendor `json:"vendor"`
}

// SendPayload is the metadata carried by a SEND task: the generated content
// plus the delivery channel and address.
type SendPayload struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
	Content string `json:"content"`
}

// Vendor holds the engagement-relevant subset of a vendor record.
type Vendor struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone,omitempty"`
	Email           string    `json:"email,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	Urgent          bool      `json:"urgent"`
	Status          string    `json:"status"`
	OutreachStatus  string    `json:"outreach_status,omitempty"`
	OutreachChannel string    `json:"outreach_channel,omitempty"`
	OutreachSentAt  time.Time `json:"outreach_sent_at,omitzero"`
	StatusUpdatedAt time.Time `json:"status_updated_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// VendorUpdate describes a partial engagement update. Nil fields are left
// untouched. Every applied update bumps status_updated_at, which is the
// optimistic concurrency token for the next writer.
type VendorUpdate struct {
	Status          *string
	OutreachStatus  *string
	OutreachChannel *string
	OutreachSentAt  *time.Time
	Urgent          *bool
}

// ContactUpdate describes a partial edit of a vendor's contact details.
// Nil fields are left untouched.
type ContactUpdate struct {
	Phone *string
	Email *string
	Notes *string
}

// Activity types.
const (
	ActivityStatusChange   = "STATUS_CHANGE"
	ActivityOutreachQueued = "OUTREACH_QUEUED"
	ActivityOutreachSent   = "OUTREACH_SENT"
	ActivityInboundReply   = "INBOUND_REPLY"
	ActivityAIReply        = "AI_REPLY"
)

// Activity is one append-only audit record. Activities are never mutated or
// deleted; per vendor they are strictly ordered by insertion (Seq).
type Activity struct {
	Seq         int64
	VendorID    string
	Type        string
	Description string
	Metadata    string // opaque JSON
	CreatedAt   time.Time
}
