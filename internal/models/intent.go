// Package models defines the closed intent vocabulary for BookFlow conversations.
package models

// IntentType is the normalized, closed-vocabulary classification of what the
// user is trying to do in one message. Raw classifier strings never flow past
// the normalizer; everything unknown collapses to IntentUnrecognized.
type IntentType string

// Intent vocabulary.
const (
	IntentStartBooking        IntentType = "start_booking"
	IntentSelectService       IntentType = "select_service"
	IntentConfirmServices     IntentType = "confirm_services"
	IntentSelectProvider      IntentType = "select_provider"
	IntentSelectTimeSlot      IntentType = "select_time_slot"
	IntentProvideContactField IntentType = "provide_contact_field"
	IntentConfirmBooking      IntentType = "confirm_booking"
	IntentCancelBooking       IntentType = "cancel_booking"
	IntentUnrecognized        IntentType = "unrecognized"
)

// AllIntents lists the closed vocabulary, including the unrecognized sentinel.
var AllIntents = []IntentType{
	IntentStartBooking,
	IntentSelectService,
	IntentConfirmServices,
	IntentSelectProvider,
	IntentSelectTimeSlot,
	IntentProvideContactField,
	IntentConfirmBooking,
	IntentCancelBooking,
	IntentUnrecognized,
}

// IsValid reports whether t is part of the closed vocabulary.
func (t IntentType) IsValid() bool {
	for _, known := range AllIntents {
		if t == known {
			return true
		}
	}
	return false
}

// Entity keys the classifier may attach to an intent.
const (
	EntityService    = "service"
	EntityProviderID = "provider_id"
	EntityTimeSlot   = "time_slot"
)

// Intent is a validated classification of one user message. Confidence is
// advisory metadata for logging, never a hard gate.
type Intent struct {
	Type       IntentType        `json:"type"`
	Entities   map[string]string `json:"entities,omitempty"`
	Confidence float64           `json:"confidence"`
}

// Entity returns the named entity value, or "" when absent.
func (i Intent) Entity(key string) string {
	if i.Entities == nil {
		return ""
	}
	return i.Entities[key]
}

// RawClassification is the external classifier's output before normalization:
// a free-text intent type, an entity map, and a confidence score. Any shape
// deviation is treated as unrecognized by the normalizer.
type RawClassification struct {
	Intent     string            `json:"intent"`
	Entities   map[string]string `json:"entities,omitempty"`
	Confidence float64           `json:"confidence"`
}

// TransitionResult is the outcome of one transition attempt.
//
// For the confirm-booking edge the controller auto-resets as part of the same
// atomic operation: State reports the final post-reset state (idle) while
// Destination reports the edge's table destination (completed) and Data still
// carries the fully merged booking record for that edge.
type TransitionResult struct {
	Success     bool        `json:"success"`
	State       StateType   `json:"state"`       // controller state after the attempt
	Destination StateType   `json:"destination"` // table destination ("" when rejected)
	Data        BookingData `json:"data"`        // merged data as of this attempt
	Errors      []string    `json:"errors,omitempty"`
	NextAction  string      `json:"next_action,omitempty"` // hint used to re-prompt the user
}
