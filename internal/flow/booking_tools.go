// Package flow provides the execution side of gated booking operations.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BookFlowHQ/BookFlow/internal/models"
	"github.com/BookFlowHQ/BookFlow/internal/util"
)

// BookingToolExecutor runs a side-effecting booking operation after the
// action gate has allowed it. Implementations are external collaborators;
// their results are opaque to the core beyond the summary message.
type BookingToolExecutor interface {
	Execute(ctx context.Context, op models.OperationName, data models.BookingData) (*models.ToolResult, error)
}

// plannedOperations lists the operations the engine runs after transitioning
// into each state, before any user-facing text is generated. The completed
// state's operations run against the fully accumulated booking record
// captured before the controller's auto-reset.
var plannedOperations = map[models.StateType][]models.OperationName{
	models.StateSelectingProvider: {models.OperationLookupAvailability},
	models.StateSelectingTime:     {models.OperationLookupAvailability},
	models.StateCollectingContact: {models.OperationHoldTimeSlot},
	models.StateAwaitingConfirmation: {
		models.OperationCreateCustomerRecord,
	},
	models.StateCompleted: {
		models.OperationCreateBooking,
		models.OperationGeneratePaymentLink,
	},
}

// PlannedOperations returns the operations to run after entering a state.
func PlannedOperations(destination models.StateType) []models.OperationName {
	return plannedOperations[destination]
}

// StubBookingTools is a placeholder executor standing in for the real
// scheduling, customer-record, and payment systems. It produces deterministic
// results so the pipeline is exercisable end to end without external services.
type StubBookingTools struct{}

// NewStubBookingTools creates a stub booking tool executor.
func NewStubBookingTools() *StubBookingTools {
	return &StubBookingTools{}
}

// Execute runs one operation against the stub backends.
func (t *StubBookingTools) Execute(ctx context.Context, op models.OperationName, data models.BookingData) (*models.ToolResult, error) {
	slog.Debug("StubBookingTools.Execute: executing operation", "operation", op)

	switch op {
	case models.OperationLookupAvailability:
		return &models.ToolResult{
			Operation: op,
			Success:   true,
			Message:   fmt.Sprintf("availability retrieved for %s", strings.Join(data.Services, ", ")),
			Data: map[string]interface{}{
				"providers": []string{"P1", "P2"},
			},
		}, nil

	case models.OperationHoldTimeSlot:
		if err := models.ValidateTimeSlot(data.TimeSlot); err != nil {
			return &models.ToolResult{
				Operation: op,
				Success:   false,
				Message:   "the requested time slot is not valid",
				Error:     err.Error(),
			}, nil
		}
		return &models.ToolResult{
			Operation: op,
			Success:   true,
			Message:   fmt.Sprintf("time slot %s held with provider %s", data.TimeSlot, data.ProviderID),
		}, nil

	case models.OperationCreateCustomerRecord:
		return &models.ToolResult{
			Operation: op,
			Success:   true,
			Message:   fmt.Sprintf("customer record created for %s", data.ContactField(models.ContactFieldName)),
			Data:      map[string]interface{}{"customer_id": util.GenerateRandomID("cust_", 16)},
		}, nil

	case models.OperationCreateBooking:
		return &models.ToolResult{
			Operation: op,
			Success:   true,
			Message: fmt.Sprintf("booking created: %s with provider %s at %s",
				strings.Join(data.Services, ", "), data.ProviderID, data.TimeSlot),
			Data: map[string]interface{}{"booking_id": util.GenerateRandomID("bk_", 16)},
		}, nil

	case models.OperationGeneratePaymentLink:
		return &models.ToolResult{
			Operation: op,
			Success:   true,
			Message:   "payment link generated",
			Data:      map[string]interface{}{"payment_url": "https://pay.example.com/" + util.GenerateRandomHex(20)},
		}, nil

	default:
		slog.Warn("StubBookingTools.Execute: unknown operation", "operation", op)
		return nil, fmt.Errorf("unknown operation: %s", op)
	}
}
