// Package flow provides the action gate that validates side-effecting booking
// operations before they execute.
package flow

import (
	"fmt"
	"log/slog"

	"github.com/BookFlowHQ/BookFlow/internal/models"
)

// statePermittedOperations is the static allow-list of operations per state.
// An operation absent from the current state's list may not run.
var statePermittedOperations = map[models.StateType][]models.OperationName{
	models.StateIdle:              {},
	models.StateSelectingServices: {},
	models.StateSelectingProvider: {
		models.OperationLookupAvailability,
	},
	models.StateSelectingTime: {
		models.OperationLookupAvailability,
		models.OperationHoldTimeSlot,
	},
	models.StateCollectingContact: {
		models.OperationHoldTimeSlot,
	},
	models.StateAwaitingConfirmation: {
		models.OperationCreateCustomerRecord,
	},
	models.StateCompleted: {
		models.OperationCreateBooking,
		models.OperationGeneratePaymentLink,
	},
}

// Required accumulated-data fields per operation.
const (
	fieldServices    = "services"
	fieldProviderID  = "provider_id"
	fieldTimeSlot    = "time_slot"
	fieldContactName = "contact_name"
)

var operationRequiredFields = map[models.OperationName][]string{
	models.OperationLookupAvailability:   {fieldServices},
	models.OperationHoldTimeSlot:         {fieldServices, fieldProviderID, fieldTimeSlot},
	models.OperationCreateCustomerRecord: {fieldContactName},
	models.OperationCreateBooking:        {fieldServices, fieldProviderID, fieldTimeSlot, fieldContactName},
	models.OperationGeneratePaymentLink:  {fieldServices, fieldProviderID, fieldTimeSlot, fieldContactName},
}

// missingFieldReasons phrase each missing requirement in user-actionable terms.
var missingFieldReasons = map[string]string{
	fieldServices:    "no services selected yet",
	fieldProviderID:  "no provider selected yet",
	fieldTimeSlot:    "no time slot chosen yet",
	fieldContactName: "customer name not provided yet",
}

// ActionGate decides whether a side-effecting operation may run given the
// current state and accumulated booking data. It is pure: on allow it has no
// side effect of its own and execution remains the caller's responsibility.
type ActionGate struct{}

// NewActionGate creates an action gate.
func NewActionGate() *ActionGate {
	return &ActionGate{}
}

// Check validates the operation's call arguments against the state
// allow-list and the operation's declared required fields. All checks must
// pass.
func (g *ActionGate) Check(op models.OperationName, args map[string]any, state models.StateType, data models.BookingData) models.GateDecision {
	if !g.permittedInState(op, state) {
		reason := fmt.Sprintf("cannot %s in state %s", op, state)
		slog.Debug("ActionGate.Check: state permission denied", "operation", op, "state", state)
		return models.GateDecision{Allowed: false, Reason: reason}
	}

	if reason := g.invalidArg(op, args); reason != "" {
		slog.Debug("ActionGate.Check: argument denied",
			"operation", op, "state", state, "reason", reason)
		return models.GateDecision{Allowed: false, Reason: reason}
	}

	if missing := g.missingFields(op, data); len(missing) > 0 {
		reason := fmt.Sprintf("cannot %s: %s", op, missingFieldReasons[missing[0]])
		slog.Debug("ActionGate.Check: data completeness denied",
			"operation", op, "state", state, "missing", missing)
		return models.GateDecision{Allowed: false, Reason: reason}
	}

	slog.Debug("ActionGate.Check: allowed", "operation", op, "state", state)
	return models.GateDecision{Allowed: true}
}

// invalidArg vets the populated call arguments. Arguments mirror the
// accumulated record, so only format problems are caught here; completeness
// stays with missingFields.
func (g *ActionGate) invalidArg(op models.OperationName, args map[string]any) string {
	if slot, ok := args[fieldTimeSlot].(string); ok && slot != "" {
		if err := models.ValidateTimeSlot(slot); err != nil {
			return fmt.Sprintf("cannot %s: %v", op, err)
		}
	}
	return ""
}

func (g *ActionGate) permittedInState(op models.OperationName, state models.StateType) bool {
	for _, allowed := range statePermittedOperations[state] {
		if op == allowed {
			return true
		}
	}
	return false
}

func (g *ActionGate) missingFields(op models.OperationName, data models.BookingData) []string {
	var missing []string
	for _, field := range operationRequiredFields[op] {
		switch field {
		case fieldServices:
			if len(data.Services) == 0 {
				missing = append(missing, field)
			}
		case fieldProviderID:
			if data.ProviderID == "" {
				missing = append(missing, field)
			}
		case fieldTimeSlot:
			if data.TimeSlot == "" {
				missing = append(missing, field)
			}
		case fieldContactName:
			if data.ContactField(models.ContactFieldName) == "" {
				missing = append(missing, field)
			}
		}
	}
	return missing
}
