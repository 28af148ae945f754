// Package genai provides the language-model operations BookFlow consumes:
// intent classification and reply generation via the OpenAI API.
//
// Both operations are external collaborators with defined degrade paths: a
// classification failure is handled upstream as an unrecognized intent and a
// generation failure falls back to a static holding reply. Nothing here is
// allowed to corrupt conversation state.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BookFlowHQ/BookFlow/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// ClassificationRequest describes one classification call: the current state
// name, a disambiguation hint for that state's expected vocabulary, the user
// message, and recent history.
type ClassificationRequest struct {
	State   models.StateType
	Hint    string
	Message string
	History []models.ConversationMessage
}

// GenerationRequest describes one reply-generation call. Correction carries
// an optional coherence directive for the bounded regeneration attempt.
type GenerationRequest struct {
	State      models.StateType
	History    []models.ConversationMessage
	Message    string
	Hints      []string // transition/gate rejection reasons folded into the reply
	Correction string
}

// ClientInterface defines the language-model operations consumed by the flow engine.
type ClientInterface interface {
	// ClassifyIntent maps one user message onto the raw classifier output.
	// Callers treat any error or shape deviation as an unrecognized intent.
	ClassifyIntent(ctx context.Context, req ClassificationRequest) (*models.RawClassification, error)

	// GenerateReply produces the user-facing reply text for the current turn.
	GenerateReply(ctx context.Context, req GenerationRequest) (string, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key (defaults to OPENAI_API_KEY).
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	slog.Debug("genai.NewClient: creating client", "model", cfg.Model)
	return &Client{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

// classifierSystemPrompt instructs the model to emit one JSON object from the
// closed intent vocabulary. Everything else about the vocabulary lives in the
// normalizer; the model's output is never trusted directly.
const classifierSystemPrompt = `You classify one user message in an appointment booking conversation.
Respond with a single JSON object: {"intent": "...", "entities": {...}, "confidence": 0.0-1.0}.
Valid intents: start_booking, select_service, confirm_services, select_provider, select_time_slot, provide_contact_field, confirm_booking, cancel_booking, unrecognized.
Entity keys when present: "service", "provider_id", "time_slot" (HH:MM), "name", "phone", "email".
If the message does not clearly match an intent, use "unrecognized".`

// ClassifyIntent classifies a user message against the closed intent
// vocabulary using a JSON-formatted chat completion.
func (c *Client) ClassifyIntent(ctx context.Context, req ClassificationRequest) (*models.RawClassification, error) {
	slog.Debug("genai.ClassifyIntent: classifying message", "state", req.State, "messageLength", len(req.Message))

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(classifierSystemPrompt),
		openai.SystemMessage(fmt.Sprintf("Current booking state: %s. %s", req.State, req.Hint)),
	}
	messages = append(messages, historyMessages(req.History, 6)...)
	messages = append(messages, openai.UserMessage(req.Message))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		slog.Error("genai.ClassifyIntent: completion failed", "error", err, "state", req.State)
		return nil, fmt.Errorf("classification request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.ClassifyIntent: no choices returned", "state", req.State)
		return nil, fmt.Errorf("no choices returned")
	}

	raw, err := ParseClassification([]byte(resp.Choices[0].Message.Content))
	if err != nil {
		slog.Error("genai.ClassifyIntent: failed to parse classifier output", "error", err, "state", req.State)
		return nil, err
	}

	slog.Debug("genai.ClassifyIntent: classified", "state", req.State, "intent", raw.Intent, "confidence", raw.Confidence)
	return raw, nil
}

// ParseClassification parses raw classifier output. Any shape deviation is an
// error; callers normalize errors to the unrecognized intent.
func ParseClassification(data []byte) (*models.RawClassification, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("empty classifier output")
	}

	var raw models.RawClassification
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse classifier output: %w", err)
	}
	if raw.Intent == "" {
		return nil, fmt.Errorf("classifier output missing intent")
	}
	return &raw, nil
}

// generatorSystemPrompt frames the reply generator. Tool results are always
// known before generation runs, so the reply narrates completed actions and
// never announces an action ahead of taking it.
const generatorSystemPrompt = `You are a friendly appointment booking assistant.
Reply naturally and briefly to the user's last message.
Only discuss information appropriate to the current booking step; never mention providers, times, confirmations, or payment before the conversation has reached that step.
Any actions listed below have already happened; describe them in the past tense and never promise an action you have not taken.`

// GenerateReply produces reply text for the current turn.
func (c *Client) GenerateReply(ctx context.Context, req GenerationRequest) (string, error) {
	slog.Debug("genai.GenerateReply: generating reply", "state", req.State, "hintCount", len(req.Hints), "hasCorrection", req.Correction != "")

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(generatorSystemPrompt),
		openai.SystemMessage(fmt.Sprintf("Current booking state: %s.", req.State)),
	}
	if len(req.Hints) > 0 {
		messages = append(messages, openai.SystemMessage("Context for this reply:\n"+strings.Join(req.Hints, "\n")))
	}
	if req.Correction != "" {
		messages = append(messages, openai.SystemMessage("CORRECTION: "+req.Correction))
	}
	messages = append(messages, historyMessages(req.History, 12)...)
	messages = append(messages, openai.UserMessage(req.Message))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("genai.GenerateReply: completion failed", "error", err, "state", req.State)
		return "", fmt.Errorf("generation request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.GenerateReply: no choices returned", "state", req.State)
		return "", fmt.Errorf("no choices returned")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("genai.GenerateReply: generated", "state", req.State, "replyLength", len(reply))
	return reply, nil
}

// historyMessages converts the most recent stored history into OpenAI message
// parameters, newest-last.
func historyMessages(history []models.ConversationMessage, limit int) []openai.ChatCompletionMessageParamUnion {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	var messages []openai.ChatCompletionMessageParamUnion
	for _, msg := range history {
		switch msg.Role {
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}
	return messages
}
