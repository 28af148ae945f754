// Package models defines gated operation types shared between the action gate
// and the booking tool executors.
package models

import (
	"fmt"
	"regexp"
	"time"
)

// OperationName identifies a side-effecting booking operation.
type OperationName string

// Gated booking operations. The action gate validates whether one may run;
// the executor behind it is an external collaborator with an opaque result.
const (
	OperationLookupAvailability   OperationName = "lookup_availability"
	OperationHoldTimeSlot         OperationName = "hold_time_slot"
	OperationCreateCustomerRecord OperationName = "create_customer_record"
	OperationCreateBooking        OperationName = "create_booking"
	OperationGeneratePaymentLink  OperationName = "generate_payment_link"
)

// GateDecision is the action gate's verdict on a requested operation. The
// gate itself never executes anything; execution is the caller's
// responsibility after an allow.
type GateDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"` // user-actionable rejection reason
}

// ToolResult is the outcome of executing one gated operation.
type ToolResult struct {
	Operation OperationName `json:"operation"`
	Success   bool          `json:"success"`
	Message   string        `json:"message"` // human-readable result summary
	Error     string        `json:"error,omitempty"`
	Data      interface{}   `json:"data,omitempty"` // operation-specific payload, opaque to the core
}

var timeSlotRegex = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)

// ValidateTimeSlot validates that a time slot string is in HH:MM 24-hour format.
func ValidateTimeSlot(slot string) error {
	if !timeSlotRegex.MatchString(slot) {
		return fmt.Errorf("time slot must be in HH:MM format (24-hour)")
	}
	if _, err := time.Parse("15:04", slot); err != nil {
		return fmt.Errorf("invalid time slot: %w", err)
	}
	return nil
}
