// Package models defines shared types for the BookFlow conversational booking core.
//
// It includes the coherence validation results and the API request/response
// envelopes shared across modules.
package models

import "errors"

// Validation errors shared across modules.
var (
	ErrMissingConversation = errors.New("conversation_id is required")
	ErrEmptyMessage        = errors.New("message is required")
	ErrConversationBusy    = errors.New("conversation is already being processed")
)

// MaxMessageLength bounds inbound message size; anything longer is truncated
// before classification.
const MaxMessageLength = 4096

// CoherenceViolation names one forbidden content category matched in
// generated text.
type CoherenceViolation struct {
	Category    string `json:"category"`
	Description string `json:"description"`
}

// CoherenceResult is the outcome of validating generated text against the
// current conversation state. Confidence is advisory, logged only.
type CoherenceResult struct {
	Coherent   bool                 `json:"coherent"`
	Violations []CoherenceViolation `json:"violations,omitempty"`
	Correction string               `json:"correction,omitempty"` // directive injected into a regeneration attempt
	Confidence float64              `json:"confidence"`
}

// MessageRequest is the caller-facing request to process one inbound user
// message for a conversation.
type MessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// Validate checks the request for required fields.
func (r MessageRequest) Validate() error {
	if r.ConversationID == "" {
		return ErrMissingConversation
	}
	if r.Message == "" {
		return ErrEmptyMessage
	}
	return nil
}

// MessageResponse carries the reply produced for one inbound message.
type MessageResponse struct {
	ConversationID string    `json:"conversation_id"`
	Reply          string    `json:"reply"`
	State          StateType `json:"state"`
}

// APIStatus represents the status field of API responses.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
