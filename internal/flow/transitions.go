// Package flow implements the deterministic coordination layer that keeps the
// language model honest: the booking state controller, the intent normalizer,
// the action gate, and the output coherence checker.
package flow

import (
	"fmt"
	"strings"

	"github.com/BookFlowHQ/BookFlow/internal/models"
)

// transitionEdge is one (state, intent) entry of the transition table.
type transitionEdge struct {
	To models.StateType

	// Precondition returns validation errors when the edge's data
	// requirements are not met. The merged view covers both accumulated data
	// and the entities the intent carries.
	Precondition func(merged models.BookingData) []string

	// NextAction re-prompts the user after reaching the destination state.
	NextAction string
}

// transitionTable maps (source state, intent type) to a destination. Unmapped
// pairs are invalid transitions. The cancel wildcard is handled by the
// controller, not the table.
var transitionTable = map[models.StateType]map[models.IntentType]transitionEdge{
	models.StateIdle: {
		models.IntentStartBooking: {
			To:         models.StateSelectingServices,
			NextAction: "ask which services the user would like to book",
		},
	},
	models.StateSelectingServices: {
		// Accumulating self-loop: state is unchanged but the service list grows.
		models.IntentSelectService: {
			To:         models.StateSelectingServices,
			NextAction: "confirm the added service and ask whether to add another or continue",
		},
		models.IntentConfirmServices: {
			To: models.StateSelectingProvider,
			Precondition: func(merged models.BookingData) []string {
				if len(merged.Services) == 0 {
					return []string{"no services selected yet"}
				}
				return nil
			},
			NextAction: "ask the user to choose a provider",
		},
	},
	models.StateSelectingProvider: {
		models.IntentSelectProvider: {
			To: models.StateSelectingTime,
			Precondition: func(merged models.BookingData) []string {
				if merged.ProviderID == "" {
					return []string{"no provider selected yet"}
				}
				return nil
			},
			NextAction: "ask the user to choose a time slot",
		},
	},
	models.StateSelectingTime: {
		models.IntentSelectTimeSlot: {
			To: models.StateCollectingContact,
			Precondition: func(merged models.BookingData) []string {
				if merged.TimeSlot == "" {
					return []string{"no time slot chosen yet"}
				}
				return nil
			},
			NextAction: "ask for the user's contact details, starting with their name",
		},
	},
	models.StateCollectingContact: {
		models.IntentProvideContactField: {
			To: models.StateAwaitingConfirmation,
			Precondition: func(merged models.BookingData) []string {
				if merged.ContactField(models.ContactFieldName) == "" {
					return []string{"customer name not provided yet"}
				}
				return nil
			},
			NextAction: "summarize the booking and ask the user to confirm",
		},
	},
	models.StateAwaitingConfirmation: {
		models.IntentConfirmBooking: {
			To:           models.StateCompleted,
			Precondition: completeBookingPrecondition,
			NextAction:   "congratulate the user on the completed booking and offer to start another",
		},
	},
}

// completeBookingPrecondition requires every prior step's data to be present
// before the booking can be confirmed.
func completeBookingPrecondition(merged models.BookingData) []string {
	var errs []string
	if len(merged.Services) == 0 {
		errs = append(errs, "no services selected yet")
	}
	if merged.ProviderID == "" {
		errs = append(errs, "no provider selected yet")
	}
	if merged.TimeSlot == "" {
		errs = append(errs, "no time slot chosen yet")
	}
	if merged.ContactField(models.ContactFieldName) == "" {
		errs = append(errs, "customer name not provided yet")
	}
	return errs
}

// statePrompts re-prompts the user when a transition is rejected and nothing
// has changed.
var statePrompts = map[models.StateType]string{
	models.StateIdle:                 "ask whether the user would like to book an appointment",
	models.StateSelectingServices:    "ask which services the user would like to book",
	models.StateSelectingProvider:    "ask the user to choose a provider",
	models.StateSelectingTime:        "ask the user to choose a time slot",
	models.StateCollectingContact:    "ask for the user's contact details, starting with their name",
	models.StateAwaitingConfirmation: "summarize the booking and ask the user to confirm",
}

// stateHints describe each state's expected vocabulary for the classifier.
var stateHints = map[models.StateType]string{
	models.StateIdle:                 "Expected intents: start_booking.",
	models.StateSelectingServices:    "Expected intents: select_service, confirm_services, cancel_booking. Plain agreement means confirm_services here.",
	models.StateSelectingProvider:    "Expected intents: select_provider, cancel_booking.",
	models.StateSelectingTime:        "Expected intents: select_time_slot, cancel_booking.",
	models.StateCollectingContact:    "Expected intents: provide_contact_field, cancel_booking.",
	models.StateAwaitingConfirmation: "Expected intents: confirm_booking, cancel_booking. Plain agreement means confirm_booking here.",
}

// StateHint returns the classifier disambiguation hint for a state.
func StateHint(state models.StateType) string {
	return stateHints[state]
}

// mergeEntities folds an intent's extracted entities into a copy of the
// accumulated booking data. The original record is never mutated, so a
// rejected transition cannot leave partial writes behind.
func mergeEntities(data models.BookingData, intent models.Intent) models.BookingData {
	merged := data.Clone()
	for key, value := range intent.Entities {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch key {
		case models.EntityService:
			if !containsService(merged.Services, value) {
				merged.Services = append(merged.Services, value)
			}
		case models.EntityProviderID:
			merged.ProviderID = value
		case models.EntityTimeSlot:
			merged.TimeSlot = value
		case models.ContactFieldName, models.ContactFieldPhone, models.ContactFieldEmail:
			if merged.Contact == nil {
				merged.Contact = make(map[string]string)
			}
			merged.Contact[key] = value
		}
	}
	return merged
}

func containsService(services []string, candidate string) bool {
	for _, s := range services {
		if strings.EqualFold(s, candidate) {
			return true
		}
	}
	return false
}

// invalidTransitionError describes a (state, intent) pair absent from the table.
func invalidTransitionError(state models.StateType, intentType models.IntentType) string {
	return fmt.Sprintf("cannot %s while %s", intentType, state)
}
