package model

import "time"

// NotificationKind names an outbound notification.
type NotificationKind string

// Notification kinds. They double as the subject suffix on the bus.
const (
	NotifyCrisisTriggered NotificationKind = "crisis.triggered"
	NotifyDriftChanged    NotificationKind = "drift.changed"
)

// Notification is an asynchronous message emitted after a submission.
// Exactly one of Crisis and Baseline is set, matching Kind.
type Notification struct {
	ID        string           `json:"notification_id"`
	Kind      NotificationKind `json:"kind"`
	UserID    string           `json:"user_id"`
	EntryID   string           `json:"entry_id"`
	CreatedAt time.Time        `json:"created_at"`
	Crisis    *CrisisEvent     `json:"crisis,omitempty"`
	Baseline  *BaselineState   `json:"baseline,omitempty"`
}
