// Package models defines booking state structures shared across BookFlow modules.
package models

import "time"

// StateType represents one phase of the booking task. Exactly one state is
// current per conversation.
type StateType string

// Booking conversation states, in happy-path order.
const (
	StateIdle                 StateType = "IDLE"
	StateSelectingServices    StateType = "SELECTING_SERVICES"
	StateSelectingProvider    StateType = "SELECTING_PROVIDER"
	StateSelectingTime        StateType = "SELECTING_TIME"
	StateCollectingContact    StateType = "COLLECTING_CONTACT"
	StateAwaitingConfirmation StateType = "AWAITING_CONFIRMATION"
	StateCompleted            StateType = "COMPLETED"
)

// AllStates lists every booking state in happy-path order.
var AllStates = []StateType{
	StateIdle,
	StateSelectingServices,
	StateSelectingProvider,
	StateSelectingTime,
	StateCollectingContact,
	StateAwaitingConfirmation,
	StateCompleted,
}

// IsValid reports whether s is a known booking state.
func (s StateType) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Contact field keys recognized in accumulated booking data.
const (
	ContactFieldName  = "name"
	ContactFieldPhone = "phone"
	ContactFieldEmail = "email"
)

// BookingData is the task-scoped record built incrementally across a
// conversation. It grows monotonically: it is cleared only on cancel or on
// completion auto-reset, and a rejected transition never mutates it.
type BookingData struct {
	Services   []string          `json:"services,omitempty"`
	ProviderID string            `json:"provider_id,omitempty"`
	TimeSlot   string            `json:"time_slot,omitempty"`
	Contact    map[string]string `json:"contact,omitempty"`
}

// Clone returns a deep copy so callers can hand out read-only views without
// aliasing the controller's internal record.
func (d BookingData) Clone() BookingData {
	out := BookingData{
		ProviderID: d.ProviderID,
		TimeSlot:   d.TimeSlot,
	}
	if d.Services != nil {
		out.Services = make([]string, len(d.Services))
		copy(out.Services, d.Services)
	}
	if d.Contact != nil {
		out.Contact = make(map[string]string, len(d.Contact))
		for k, v := range d.Contact {
			out.Contact[k] = v
		}
	}
	return out
}

// IsEmpty reports whether no booking data has accumulated yet.
func (d BookingData) IsEmpty() bool {
	return len(d.Services) == 0 && d.ProviderID == "" && d.TimeSlot == "" && len(d.Contact) == 0
}

// ContactField returns the named contact field, or "" when absent.
func (d BookingData) ContactField(key string) string {
	if d.Contact == nil {
		return ""
	}
	return d.Contact[key]
}

// SnapshotTTL is how long a persisted conversation snapshot lives without
// activity. Refreshed on every successful persist.
const SnapshotTTL = 900 * time.Second

// ConversationMessage is a single exchange stored with the snapshot and
// replayed to the language model as recent history.
type ConversationMessage struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the persisted record for one conversation. Loading a snapshot
// for an unknown conversation yields a fresh idle instance, never an error.
type Snapshot struct {
	State       StateType             `json:"state"`
	Data        BookingData           `json:"data"`
	History     []ConversationMessage `json:"history,omitempty"`
	LastUpdated time.Time             `json:"last_updated"`
}

// NewSnapshot returns a fresh idle snapshot with empty booking data.
func NewSnapshot() Snapshot {
	return Snapshot{State: StateIdle, LastUpdated: time.Now()}
}
