package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/BookFlowHQ/BookFlow/internal/genai"
	"github.com/BookFlowHQ/BookFlow/internal/models"
	"github.com/BookFlowHQ/BookFlow/internal/store"
)

// mockLLM scripts classification and a queue of generated replies.
type mockLLM struct {
	classification *models.RawClassification
	classifyErr    error
	replies        []string
	generateErr    error

	classifyCalls int
	generateCalls int
	classifyReqs  []genai.ClassificationRequest
	generateReqs  []genai.GenerationRequest
}

func (m *mockLLM) ClassifyIntent(ctx context.Context, req genai.ClassificationRequest) (*models.RawClassification, error) {
	m.classifyCalls++
	m.classifyReqs = append(m.classifyReqs, req)
	if m.classifyErr != nil {
		return nil, m.classifyErr
	}
	return m.classification, nil
}

func (m *mockLLM) GenerateReply(ctx context.Context, req genai.GenerationRequest) (string, error) {
	m.generateCalls++
	m.generateReqs = append(m.generateReqs, req)
	if m.generateErr != nil {
		return "", m.generateErr
	}
	reply := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return reply, nil
}

// recordingTools captures which operations were executed.
type recordingTools struct {
	executed []models.OperationName
	inner    *StubBookingTools
}

func newRecordingTools() *recordingTools {
	return &recordingTools{inner: NewStubBookingTools()}
}

func (r *recordingTools) Execute(ctx context.Context, op models.OperationName, data models.BookingData) (*models.ToolResult, error) {
	r.executed = append(r.executed, op)
	return r.inner.Execute(ctx, op, data)
}

func newTestEngine(llm *mockLLM, st store.SnapshotStore, tools BookingToolExecutor) *Engine {
	return NewEngine(st, llm, tools, WithLockWait(100*time.Millisecond))
}

func TestEngine_HappyTurn(t *testing.T) {
	st := store.NewInMemoryStore()
	llm := &mockLLM{
		classification: &models.RawClassification{Intent: "start_booking", Confidence: 0.9},
		replies:        []string{"Welcome! Which services would you like to book?"},
	}
	e := newTestEngine(llm, st, newRecordingTools())

	resp, err := e.HandleMessage(context.Background(), models.MessageRequest{
		ConversationID: "conv-e1", Message: "I'd like to book an appointment",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.State != models.StateSelectingServices {
		t.Errorf("expected state %s, got %s", models.StateSelectingServices, resp.State)
	}
	if resp.Reply != "Welcome! Which services would you like to book?" {
		t.Errorf("unexpected reply %q", resp.Reply)
	}
	if llm.classifyCalls != 1 || llm.generateCalls != 1 {
		t.Errorf("expected 1 classify and 1 generate, got %d/%d", llm.classifyCalls, llm.generateCalls)
	}

	// The turn is persisted with its history.
	snap, err := st.GetSnapshot(context.Background(), "conv-e1")
	if err != nil || snap == nil {
		t.Fatalf("expected persisted snapshot, got %v, %v", snap, err)
	}
	if snap.State != models.StateSelectingServices {
		t.Errorf("persisted state %s, expected %s", snap.State, models.StateSelectingServices)
	}
	if len(snap.History) != 2 {
		t.Errorf("expected user+assistant history, got %d entries", len(snap.History))
	}
}

func TestEngine_ClassifierFailureDegradesToUnrecognized(t *testing.T) {
	st := store.NewInMemoryStore()
	llm := &mockLLM{
		classifyErr: errors.New("upstream timeout"),
		replies:     []string{"Sorry, I didn't catch that. What would you like to do?"},
	}
	e := newTestEngine(llm, st, newRecordingTools())

	resp, err := e.HandleMessage(context.Background(), models.MessageRequest{
		ConversationID: "conv-e2", Message: "mumble",
	})
	if err != nil {
		t.Fatalf("classifier failure must not abort the message: %v", err)
	}
	if resp.State != models.StateIdle {
		t.Errorf("unrecognized intent must not change state, got %s", resp.State)
	}
	if resp.Reply == "" {
		t.Error("expected a reply despite classification failure")
	}
}

func TestEngine_GenerationFailureUsesFallback(t *testing.T) {
	st := store.NewInMemoryStore()
	llm := &mockLLM{
		classification: &models.RawClassification{Intent: "start_booking", Confidence: 0.9},
		generateErr:    errors.New("model unavailable"),
	}
	e := newTestEngine(llm, st, newRecordingTools())

	resp, err := e.HandleMessage(context.Background(), models.MessageRequest{
		ConversationID: "conv-e3", Message: "book me in",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := NewCoherenceChecker().FallbackReply(models.StateSelectingServices)
	if resp.Reply != want {
		t.Errorf("expected fallback %q, got %q", want, resp.Reply)
	}
	// The transition still happened and persisted.
	if resp.State != models.StateSelectingServices {
		t.Errorf("expected state advanced despite generation failure, got %s", resp.State)
	}
}

func TestEngine_IncoherentReplyRegeneratedOnce(t *testing.T) {
	st := store.NewInMemoryStore()
	llm := &mockLLM{
		classification: &models.RawClassification{Intent: "start_booking", Confidence: 0.9},
		replies: []string{
			"Great, see you Tuesday at 14:30!", // leaks time before any service is chosen
			"Which services would you like to book?",
		},
	}
	e := newTestEngine(llm, st, newRecordingTools())

	resp, err := e.HandleMessage(context.Background(), models.MessageRequest{
		ConversationID: "conv-e4", Message: "book me in",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if llm.generateCalls != 2 {
		t.Fatalf("expected exactly 2 generate calls, got %d", llm.generateCalls)
	}
	if resp.Reply != "Which services would you like to book?" {
		t.Errorf("expected regenerated reply, got %q", resp.Reply)
	}
	// The retry carried the correction directive.
	if llm.generateReqs[1].Correction == "" {
		t.Error("regeneration request should carry a correction directive")
	}
}

func TestEngine_RegenerationBoundedAtOne(t *testing.T) {
	st := store.NewInMemoryStore()
	llm := &mockLLM{
		classification: &models.RawClassification{Intent: "start_booking", Confidence: 0.9},
		replies:        []string{"See you at 14:30!"}, // incoherent, repeated forever
	}
	e := newTestEngine(llm, st, newRecordingTools())

	resp, err := e.HandleMessage(context.Background(), models.MessageRequest{
		ConversationID: "conv-e5", Message: "book me in",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if llm.generateCalls != 2 {
		t.Fatalf("expected generation capped at 2 attempts, got %d", llm.generateCalls)
	}
	want := NewCoherenceChecker().FallbackReply(models.StateSelectingServices)
	if resp.Reply != want {
		t.Errorf("expected fallback after exhausted regeneration, got %q", resp.Reply)
	}
}

func TestEngine_ToolsRunAgainstDestinationOnConfirm(t *testing.T) {
	st := store.NewInMemoryStore()
	seed := models.Snapshot{
		State: models.StateAwaitingConfirmation,
		Data: models.BookingData{
			Services:   []string{"haircut"},
			ProviderID: "P1",
			TimeSlot:   "14:30",
			Contact:    map[string]string{models.ContactFieldName: "Ana"},
		},
	}
	if err := st.SaveSnapshot(context.Background(), "conv-e6", seed); err != nil {
		t.Fatal(err)
	}

	llm := &mockLLM{
		classification: &models.RawClassification{Intent: "confirm_booking", Confidence: 0.95},
		replies:        []string{"Your booking is confirmed, Ana! Here is your payment link."},
	}
	tools := newRecordingTools()
	e := newTestEngine(llm, st, tools)

	resp, err := e.HandleMessage(context.Background(), models.MessageRequest{
		ConversationID: "conv-e6", Message: "yes, confirm it",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Confirmation runs booking and payment against the completed record
	// even though the controller auto-resets to idle.
	if len(tools.executed) != 2 ||
		tools.executed[0] != models.OperationCreateBooking ||
		tools.executed[1] != models.OperationGeneratePaymentLink {
		t.Errorf("expected create_booking then generate_payment_link, got %v", tools.executed)
	}
	if resp.State != models.StateIdle {
		t.Errorf("expected post-reset idle state, got %s", resp.State)
	}
	// The confirmation reply is coherent in the completed context.
	if !strings.Contains(resp.Reply, "confirmed") {
		t.Errorf("expected confirmation reply to survive validation, got %q", resp.Reply)
	}

	// Next message starts from idle with empty data.
	snap, _ := st.GetSnapshot(context.Background(), "conv-e6")
	if snap.State != models.StateIdle || !snap.Data.IsEmpty() {
		t.Errorf("expected idle snapshot with empty data, got %s %+v", snap.State, snap.Data)
	}
}

func TestEngine_RejectedIntentRunsNoTools(t *testing.T) {
	st := store.NewInMemoryStore()
	llm := &mockLLM{
		classification: &models.RawClassification{Intent: "confirm_booking", Confidence: 0.9},
		replies:        []string{"We're not there yet. What would you like to book?"},
	}
	tools := newRecordingTools()
	e := newTestEngine(llm, st, tools)

	_, err := e.HandleMessage(context.Background(), models.MessageRequest{
		ConversationID: "conv-e7", Message: "confirm",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools.executed) != 0 {
		t.Errorf("rejected transition must execute no operations, got %v", tools.executed)
	}
	// The generation context carries the rejection.
	hints := llm.generateReqs[0].Hints
	joined := strings.Join(hints, " ")
	if !strings.Contains(joined, "not valid") {
		t.Errorf("expected rejection hint in generation context, got %v", hints)
	}
}

// hangingTools blocks until its context is cancelled, standing in for an
// unresponsive downstream scheduling system.
type hangingTools struct{}

func (hangingTools) Execute(ctx context.Context, op models.OperationName, data models.BookingData) (*models.ToolResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEngine_HangingToolIsCutOffByTimeout(t *testing.T) {
	st := store.NewInMemoryStore()
	seed := models.Snapshot{
		State: models.StateSelectingServices,
		Data:  models.BookingData{Services: []string{"haircut"}},
	}
	if err := st.SaveSnapshot(context.Background(), "conv-e9", seed); err != nil {
		t.Fatal(err)
	}

	llm := &mockLLM{
		classification: &models.RawClassification{Intent: "confirm_services", Confidence: 0.9},
		replies:        []string{"Which stylist would you like to see?"},
	}
	e := NewEngine(st, llm, hangingTools{},
		WithLockWait(100*time.Millisecond),
		WithToolTimeout(50*time.Millisecond))

	start := time.Now()
	resp, err := e.HandleMessage(context.Background(), models.MessageRequest{
		ConversationID: "conv-e9", Message: "that's everything",
	})
	if err != nil {
		t.Fatalf("tool timeout must not abort the message: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("message blocked on hanging tool for %v", elapsed)
	}
	if resp.State != models.StateSelectingProvider {
		t.Errorf("transition must survive the tool failure, got state %s", resp.State)
	}

	// The generation context explains the failed step instead of claiming it
	// happened.
	joined := strings.Join(llm.generateReqs[0].Hints, " ")
	if !strings.Contains(joined, "could not be completed") {
		t.Errorf("expected failed-step hint in generation context, got %v", llm.generateReqs[0].Hints)
	}
}

func TestEngine_TruncatesOversizedMessageAtRuneBoundary(t *testing.T) {
	st := store.NewInMemoryStore()
	llm := &mockLLM{
		classification: &models.RawClassification{Intent: "unrecognized", Confidence: 0.2},
		replies:        []string{"Could you say that more briefly?"},
	}
	e := newTestEngine(llm, st, newRecordingTools())

	// 1400 three-byte runes, 4200 bytes. A byte cut at the limit would land
	// inside a rune.
	oversized := strings.Repeat("€", 1400)
	_, err := e.HandleMessage(context.Background(), models.MessageRequest{
		ConversationID: "conv-e10", Message: oversized,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := llm.classifyReqs[0].Message
	if len(got) > models.MaxMessageLength {
		t.Errorf("classified message is %d bytes, limit is %d", len(got), models.MaxMessageLength)
	}
	if !utf8.ValidString(got) {
		t.Error("truncation split a multi-byte rune")
	}
}

func TestEngine_ConcurrentMessageGetsBusyReply(t *testing.T) {
	st := store.NewInMemoryStore()
	llm := &mockLLM{
		classification: &models.RawClassification{Intent: "start_booking", Confidence: 0.9},
		replies:        []string{"Welcome!"},
	}
	e := newTestEngine(llm, st, newRecordingTools())

	// The conversation is mid-booking when the second message arrives.
	seed := models.Snapshot{
		State: models.StateSelectingTime,
		Data:  models.BookingData{Services: []string{"haircut"}, ProviderID: "P1"},
	}
	if err := st.SaveSnapshot(context.Background(), "conv-e8", seed); err != nil {
		t.Fatal(err)
	}

	// Hold the conversation lock, simulating an in-flight message.
	unlock, err := st.AcquireLock(context.Background(), "conv-e8", store.DefaultLockTTL)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock(context.Background())

	resp, err := e.HandleMessage(context.Background(), models.MessageRequest{
		ConversationID: "conv-e8", Message: "hello",
	})
	if err != nil {
		t.Fatalf("busy conversation must not error: %v", err)
	}
	if resp.Reply != busyReply {
		t.Errorf("expected busy reply, got %q", resp.Reply)
	}
	// The busy reply reports where the conversation actually stands.
	if resp.State != models.StateSelectingTime {
		t.Errorf("expected persisted state %s in busy reply, got %s", models.StateSelectingTime, resp.State)
	}
	if llm.classifyCalls != 0 {
		t.Error("busy message must not reach the classifier")
	}
}

func TestEngine_BusyReplyForUnknownConversationReportsIdle(t *testing.T) {
	st := store.NewInMemoryStore()
	llm := &mockLLM{replies: []string{"Welcome!"}}
	e := newTestEngine(llm, st, newRecordingTools())

	unlock, err := st.AcquireLock(context.Background(), "conv-e8b", store.DefaultLockTTL)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock(context.Background())

	resp, err := e.HandleMessage(context.Background(), models.MessageRequest{
		ConversationID: "conv-e8b", Message: "hello",
	})
	if err != nil {
		t.Fatalf("busy conversation must not error: %v", err)
	}
	if resp.State != models.StateIdle {
		t.Errorf("expected idle for a conversation with no snapshot, got %s", resp.State)
	}
}

func TestEngine_RequestValidation(t *testing.T) {
	e := newTestEngine(&mockLLM{}, store.NewInMemoryStore(), newRecordingTools())

	if _, err := e.HandleMessage(context.Background(), models.MessageRequest{Message: "hi"}); !errors.Is(err, models.ErrMissingConversation) {
		t.Errorf("expected ErrMissingConversation, got %v", err)
	}
	if _, err := e.HandleMessage(context.Background(), models.MessageRequest{ConversationID: "c"}); !errors.Is(err, models.ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestEngine_ConversationAndEndConversation(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(&mockLLM{}, st, newRecordingTools())
	ctx := context.Background()

	// Unknown conversation reports a fresh idle snapshot.
	snap, err := e.Conversation(ctx, "conv-e9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.State != models.StateIdle {
		t.Errorf("expected idle snapshot for unknown conversation, got %s", snap.State)
	}

	seed := models.Snapshot{State: models.StateSelectingTime, Data: models.BookingData{Services: []string{"haircut"}}}
	if err := st.SaveSnapshot(ctx, "conv-e9", seed); err != nil {
		t.Fatal(err)
	}
	snap, err = e.Conversation(ctx, "conv-e9")
	if err != nil || snap.State != models.StateSelectingTime {
		t.Fatalf("expected stored snapshot, got %v, %v", snap, err)
	}

	if err := e.EndConversation(ctx, "conv-e9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, _ = e.Conversation(ctx, "conv-e9")
	if snap.State != models.StateIdle {
		t.Errorf("deleted conversation should read as fresh idle, got %s", snap.State)
	}
}

func TestAppendHistory_Capped(t *testing.T) {
	var history []models.ConversationMessage
	for i := 0; i < 30; i++ {
		history = appendHistory(history, "user message", "assistant reply")
	}
	if len(history) != historyLimit {
		t.Errorf("expected history capped at %d, got %d", historyLimit, len(history))
	}
	if history[len(history)-1].Role != "assistant" {
		t.Errorf("expected newest entry to be the assistant reply, got %s", history[len(history)-1].Role)
	}
}
