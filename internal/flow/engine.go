// Package flow provides the message engine that runs the full per-message
// pipeline: lock, load, classify, normalize, transition, gated tool
// execution, generation, coherence validation, persist.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/BookFlowHQ/BookFlow/internal/genai"
	"github.com/BookFlowHQ/BookFlow/internal/models"
	"github.com/BookFlowHQ/BookFlow/internal/store"
)

// Default per-stage deadlines. Classification and generation are external
// calls; persistence is local and fast.
const (
	DefaultClassifyTimeout = 10 * time.Second
	DefaultGenerateTimeout = 15 * time.Second
	DefaultToolTimeout     = 10 * time.Second
	DefaultPersistTimeout  = 5 * time.Second
	DefaultLockWait        = 5 * time.Second

	// historyLimit caps stored history so snapshots stay bounded.
	historyLimit = 20
)

const busyReply = "I'm still working on your previous message, one moment please."

// EngineOpts holds configuration for the message engine.
type EngineOpts struct {
	ClassifyTimeout time.Duration
	GenerateTimeout time.Duration
	ToolTimeout     time.Duration
	PersistTimeout  time.Duration
	LockWait        time.Duration
}

// EngineOption configures the message engine.
type EngineOption func(*EngineOpts)

// WithClassifyTimeout sets the intent classification deadline.
func WithClassifyTimeout(d time.Duration) EngineOption {
	return func(o *EngineOpts) { o.ClassifyTimeout = d }
}

// WithGenerateTimeout sets the reply generation deadline.
func WithGenerateTimeout(d time.Duration) EngineOption {
	return func(o *EngineOpts) { o.GenerateTimeout = d }
}

// WithToolTimeout sets the deadline for each booking tool execution.
func WithToolTimeout(d time.Duration) EngineOption {
	return func(o *EngineOpts) { o.ToolTimeout = d }
}

// WithPersistTimeout sets the snapshot persistence deadline.
func WithPersistTimeout(d time.Duration) EngineOption {
	return func(o *EngineOpts) { o.PersistTimeout = d }
}

// WithLockWait sets how long a message waits for the conversation lock.
func WithLockWait(d time.Duration) EngineOption {
	return func(o *EngineOpts) { o.LockWait = d }
}

// Engine coordinates one message through every deterministic checkpoint. It
// owns no conversation state itself; everything lives in the snapshot store.
type Engine struct {
	store      store.SnapshotStore
	llm        genai.ClientInterface
	tools      BookingToolExecutor
	normalizer *IntentNormalizer
	gate       *ActionGate
	coherence  *CoherenceChecker
	opts       EngineOpts
}

// NewEngine creates a message engine on top of a snapshot store, a language
// model client, and a booking tool executor.
func NewEngine(st store.SnapshotStore, llm genai.ClientInterface, tools BookingToolExecutor, opts ...EngineOption) *Engine {
	cfg := EngineOpts{
		ClassifyTimeout: DefaultClassifyTimeout,
		GenerateTimeout: DefaultGenerateTimeout,
		ToolTimeout:     DefaultToolTimeout,
		PersistTimeout:  DefaultPersistTimeout,
		LockWait:        DefaultLockWait,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		store:      st,
		llm:        llm,
		tools:      tools,
		normalizer: NewIntentNormalizer(),
		gate:       NewActionGate(),
		coherence:  NewCoherenceChecker(),
		opts:       cfg,
	}
}

// HandleMessage processes one inbound user message end to end and returns the
// reply. The per-conversation advisory lock serializes concurrent messages
// for the same conversation; distinct conversations proceed in parallel.
func (e *Engine) HandleMessage(ctx context.Context, req models.MessageRequest) (*models.MessageResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	message := req.Message
	if len(message) > models.MaxMessageLength {
		slog.Warn("Engine.HandleMessage: truncating oversized message",
			"conversationID", req.ConversationID, "length", len(message))
		message = truncateToRuneBoundary(message, models.MaxMessageLength)
	}

	lockCtx, cancelLock := context.WithTimeout(ctx, e.opts.LockWait)
	unlock, err := e.store.AcquireLock(lockCtx, req.ConversationID, store.DefaultLockTTL)
	cancelLock()
	if err != nil {
		slog.Warn("Engine.HandleMessage: conversation busy",
			"conversationID", req.ConversationID, "error", err)
		return &models.MessageResponse{
			ConversationID: req.ConversationID,
			Reply:          busyReply,
			State:          e.persistedState(ctx, req.ConversationID),
		}, nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Error("Engine.HandleMessage: failed to release lock",
				"conversationID", req.ConversationID, "error", err)
		}
	}()

	snap, err := e.store.GetSnapshot(ctx, req.ConversationID)
	if err != nil {
		// A failed read degrades to a fresh conversation rather than losing
		// the message.
		slog.Error("Engine.HandleMessage: failed to load snapshot, starting fresh",
			"conversationID", req.ConversationID, "error", err)
		snap = nil
	}
	controller := NewControllerFromSnapshot(req.ConversationID, snap)
	var history []models.ConversationMessage
	if snap != nil {
		history = snap.History
	}

	intent := e.classify(ctx, controller.State(), message, history)
	result := controller.Transition(intent)

	hints := e.buildHints(ctx, req.ConversationID, result)
	reply := e.generate(ctx, req.ConversationID, result, message, history, hints)

	history = appendHistory(history, message, reply)
	e.persist(ctx, req.ConversationID, controller, history)

	return &models.MessageResponse{
		ConversationID: req.ConversationID,
		Reply:          reply,
		State:          controller.State(),
	}, nil
}

// Conversation returns the persisted snapshot for a conversation, or a fresh
// idle snapshot when none exists.
func (e *Engine) Conversation(ctx context.Context, conversationID string) (*models.Snapshot, error) {
	snap, err := e.store.GetSnapshot(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	if snap == nil {
		fresh := models.NewSnapshot()
		return &fresh, nil
	}
	return snap, nil
}

// EndConversation discards a conversation's persisted snapshot. The next
// message for the same ID starts a fresh idle conversation.
func (e *Engine) EndConversation(ctx context.Context, conversationID string) error {
	if err := e.store.DeleteSnapshot(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	slog.Info("Engine.EndConversation: conversation deleted", "conversationID", conversationID)
	return nil
}

// classify runs intent classification and normalization. Any classifier
// failure degrades to the unrecognized intent; it never aborts the message.
func (e *Engine) classify(ctx context.Context, state models.StateType, message string, history []models.ConversationMessage) models.Intent {
	classifyCtx, cancel := context.WithTimeout(ctx, e.opts.ClassifyTimeout)
	defer cancel()

	raw, err := e.llm.ClassifyIntent(classifyCtx, genai.ClassificationRequest{
		State:   state,
		Hint:    StateHint(state),
		Message: message,
		History: history,
	})
	if err != nil {
		slog.Warn("Engine.classify: classification failed, treating as unrecognized",
			"state", state, "error", err)
		raw = nil
	}
	return e.normalizer.Normalize(raw, state)
}

// buildHints assembles the generation context for this turn: on rejection the
// validation errors and the re-prompt, on success the next-step directive
// plus the results of every gated operation executed for the new state.
//
// Operations run before any text is generated, so the reply always narrates
// actions that have already happened. They are gated and executed against the
// transition's destination and merged record rather than the controller's
// state, because confirming a booking auto-resets the controller to idle
// within the same transition.
func (e *Engine) buildHints(ctx context.Context, conversationID string, result models.TransitionResult) []string {
	var hints []string

	if !result.Success {
		for _, errText := range result.Errors {
			hints = append(hints, "The user's request was not valid: "+errText+".")
		}
		hints = append(hints, "Next: "+result.NextAction+".")
		return hints
	}

	hints = append(hints, "Next: "+result.NextAction+".")

	for _, op := range PlannedOperations(result.Destination) {
		decision := e.gate.Check(op, operationArgs(op, result.Data), result.Destination, result.Data)
		if !decision.Allowed {
			slog.Warn("Engine.buildHints: planned operation denied",
				"conversationID", conversationID, "operation", op, "reason", decision.Reason)
			hints = append(hints, "Not done: "+decision.Reason+".")
			continue
		}

		toolCtx, cancel := context.WithTimeout(ctx, e.opts.ToolTimeout)
		toolResult, err := e.tools.Execute(toolCtx, op, result.Data)
		cancel()
		if err != nil {
			slog.Error("Engine.buildHints: operation failed",
				"conversationID", conversationID, "operation", op, "error", err)
			hints = append(hints, fmt.Sprintf("The %s step could not be completed; apologize briefly.", op))
			continue
		}
		if !toolResult.Success {
			hints = append(hints, "Problem: "+toolResult.Message+".")
			continue
		}
		hints = append(hints, "Already done: "+toolResult.Message+".")
	}

	return hints
}

// operationArgs projects the accumulated record into the call arguments for
// one operation, keyed the way the executor and the gate name them.
func operationArgs(op models.OperationName, data models.BookingData) map[string]any {
	args := make(map[string]any)
	for _, field := range operationRequiredFields[op] {
		switch field {
		case fieldServices:
			args[fieldServices] = data.Services
		case fieldProviderID:
			args[fieldProviderID] = data.ProviderID
		case fieldTimeSlot:
			args[fieldTimeSlot] = data.TimeSlot
		case fieldContactName:
			args[fieldContactName] = data.ContactField(models.ContactFieldName)
		}
	}
	return args
}

// generate produces the user-facing reply with coherence validation and at
// most one regeneration attempt, falling back to the fixed state-appropriate
// holding message when both attempts are incoherent or generation fails.
func (e *Engine) generate(ctx context.Context, conversationID string, result models.TransitionResult, message string, history []models.ConversationMessage, hints []string) string {
	// Validate against where the transition landed, not the post-reset
	// controller state; the completion reply is allowed to announce the
	// confirmed booking.
	validationState := result.State
	if result.Success {
		validationState = result.Destination
	}

	genReq := genai.GenerationRequest{
		State:   validationState,
		History: history,
		Message: message,
		Hints:   hints,
	}

	reply, err := e.generateOnce(ctx, genReq)
	if err != nil {
		slog.Error("Engine.generate: generation failed, using fallback",
			"conversationID", conversationID, "state", validationState, "error", err)
		return e.coherence.FallbackReply(validationState)
	}

	check := e.coherence.Validate(conversationID, reply, validationState)
	if check.Coherent {
		return reply
	}

	genReq.Correction = check.Correction
	retry, err := e.generateOnce(ctx, genReq)
	if err != nil {
		slog.Error("Engine.generate: regeneration failed, using fallback",
			"conversationID", conversationID, "state", validationState, "error", err)
		return e.coherence.FallbackReply(validationState)
	}

	recheck := e.coherence.Validate(conversationID, retry, validationState)
	if recheck.Coherent {
		return retry
	}

	slog.Warn("Engine.generate: regenerated reply still incoherent, using fallback",
		"conversationID", conversationID, "state", validationState,
		"violations", categoryNames(recheck.Violations))
	return e.coherence.FallbackReply(validationState)
}

func (e *Engine) generateOnce(ctx context.Context, req genai.GenerationRequest) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, e.opts.GenerateTimeout)
	defer cancel()
	return e.llm.GenerateReply(genCtx, req)
}

// persist saves the post-transition snapshot, refreshing its TTL. A persist
// failure is logged but never swallows the reply; the user still gets an
// answer and the conversation re-syncs on the next message.
func (e *Engine) persist(ctx context.Context, conversationID string, controller *Controller, history []models.ConversationMessage) {
	snap := controller.Snapshot()
	snap.History = history

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.PersistTimeout)
	defer cancel()
	if err := e.store.SaveSnapshot(persistCtx, conversationID, snap); err != nil {
		slog.Error("Engine.persist: failed to save snapshot",
			"conversationID", conversationID, "state", snap.State, "error", err)
	}
}

// persistedState reports where a conversation currently stands without
// taking its lock, for the busy reply. A read failure or missing snapshot
// reports idle.
func (e *Engine) persistedState(ctx context.Context, conversationID string) models.StateType {
	snap, err := e.store.GetSnapshot(ctx, conversationID)
	if err != nil || snap == nil || !snap.State.IsValid() {
		return models.StateIdle
	}
	return snap.State
}

// truncateToRuneBoundary cuts s to at most limit bytes without splitting a
// multi-byte rune.
func truncateToRuneBoundary(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// appendHistory records the turn's exchange, keeping only the most recent
// entries.
func appendHistory(history []models.ConversationMessage, userMessage, reply string) []models.ConversationMessage {
	now := time.Now()
	history = append(history,
		models.ConversationMessage{Role: "user", Content: userMessage, Timestamp: now},
		models.ConversationMessage{Role: "assistant", Content: reply, Timestamp: now},
	)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	return history
}
