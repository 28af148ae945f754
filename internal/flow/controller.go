// Package flow provides the booking state controller.
package flow

import (
	"log/slog"
	"time"

	"github.com/BookFlowHQ/BookFlow/internal/models"
)

// Controller owns the current state and accumulated booking data for one
// conversation. An instance lives for the span of one message: loaded from a
// snapshot, mutated by at most one transition attempt, persisted, and
// discarded. It is not safe for concurrent use; the per-conversation advisory
// lock serializes access.
type Controller struct {
	conversationID string
	state          models.StateType
	data           models.BookingData
}

// NewController creates a fresh idle controller for a conversation.
func NewController(conversationID string) *Controller {
	return &Controller{
		conversationID: conversationID,
		state:          models.StateIdle,
	}
}

// NewControllerFromSnapshot restores a controller from a persisted snapshot.
// A nil snapshot or an unknown state yields a fresh idle controller.
func NewControllerFromSnapshot(conversationID string, snap *models.Snapshot) *Controller {
	if snap == nil {
		slog.Debug("Controller: no snapshot, starting fresh", "conversationID", conversationID)
		return NewController(conversationID)
	}
	if !snap.State.IsValid() {
		slog.Warn("Controller: snapshot carries unknown state, starting fresh",
			"conversationID", conversationID, "state", snap.State)
		return NewController(conversationID)
	}
	return &Controller{
		conversationID: conversationID,
		state:          snap.State,
		data:           snap.Data.Clone(),
	}
}

// State returns the current booking state.
func (c *Controller) State() models.StateType {
	return c.state
}

// Data returns a copy of the accumulated booking data.
func (c *Controller) Data() models.BookingData {
	return c.data.Clone()
}

// Snapshot returns the persistable snapshot of the controller.
func (c *Controller) Snapshot() models.Snapshot {
	return models.Snapshot{
		State:       c.state,
		Data:        c.data.Clone(),
		LastUpdated: time.Now(),
	}
}

// CanTransition reports whether the intent would succeed from the current
// state. It never mutates state or data.
func (c *Controller) CanTransition(intent models.Intent) bool {
	if intent.Type == models.IntentCancelBooking {
		return c.state != models.StateIdle
	}

	edge, ok := transitionTable[c.state][intent.Type]
	if !ok {
		return false
	}
	if edge.Precondition != nil {
		if errs := edge.Precondition(mergeEntities(c.data, intent)); len(errs) > 0 {
			return false
		}
	}
	return true
}

// Transition attempts to apply the intent. A rejection leaves state and data
// unchanged and carries validation errors plus a re-prompt hint. A success
// merges the intent's entities into the accumulated data and advances to the
// edge's destination; reaching the completed state auto-resets to idle within
// the same call, so callers observe only the post-reset controller state
// (the result's Destination and Data still describe the completed booking).
func (c *Controller) Transition(intent models.Intent) models.TransitionResult {
	fromState := c.state

	// Wildcard: cancel is valid from every non-idle state and always clears
	// accumulated data.
	if intent.Type == models.IntentCancelBooking {
		if c.state == models.StateIdle {
			return c.reject(fromState, intent, []string{invalidTransitionError(fromState, intent.Type)})
		}
		c.state = models.StateIdle
		c.data = models.BookingData{}
		c.logTransition(fromState, intent, models.StateIdle, "success")
		return models.TransitionResult{
			Success:     true,
			State:       models.StateIdle,
			Destination: models.StateIdle,
			NextAction:  "acknowledge the cancellation and offer to start a new booking",
		}
	}

	edge, ok := transitionTable[fromState][intent.Type]
	if !ok {
		return c.reject(fromState, intent, []string{invalidTransitionError(fromState, intent.Type)})
	}

	merged := mergeEntities(c.data, intent)
	if edge.Precondition != nil {
		if errs := edge.Precondition(merged); len(errs) > 0 {
			return c.reject(fromState, intent, errs)
		}
	}

	result := models.TransitionResult{
		Success:     true,
		Destination: edge.To,
		Data:        merged.Clone(),
		NextAction:  edge.NextAction,
	}

	if edge.To == models.StateCompleted {
		// Terminal-but-self-resetting: clear data and return to idle as part
		// of the same atomic operation.
		c.state = models.StateIdle
		c.data = models.BookingData{}
		result.State = models.StateIdle
	} else {
		c.state = edge.To
		c.data = merged
		result.State = edge.To
	}

	c.logTransition(fromState, intent, edge.To, "success")
	return result
}

// Reset unconditionally returns the controller to idle with empty data.
func (c *Controller) Reset() {
	fromState := c.state
	c.state = models.StateIdle
	c.data = models.BookingData{}
	slog.Info("Controller.Reset: conversation reset",
		"conversationID", c.conversationID, "fromState", fromState)
}

func (c *Controller) reject(fromState models.StateType, intent models.Intent, errs []string) models.TransitionResult {
	c.logTransition(fromState, intent, "unchanged", "rejected")
	return models.TransitionResult{
		Success:    false,
		State:      fromState,
		Data:       c.data.Clone(),
		Errors:     errs,
		NextAction: statePrompts[fromState],
	}
}

// logTransition is the single source of truth for diagnosing stuck
// conversations: every attempt, successful or rejected, produces one record.
func (c *Controller) logTransition(fromState models.StateType, intent models.Intent, toState models.StateType, outcome string) {
	slog.Info("Controller.Transition: transition attempt",
		"conversationID", c.conversationID,
		"fromState", fromState,
		"intent", intent.Type,
		"toState", toState,
		"outcome", outcome,
		"confidence", intent.Confidence)
}
