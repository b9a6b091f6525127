package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teller-audio/audio"
	"teller-audio/conversation"
	"teller-audio/vad"
)

type fakeAssistant struct {
	mu          sync.Mutex
	userTurns   [][]byte
	texts       []string
	toolResults [][]conversation.ToolResult
	sendErr     error
}

func (f *fakeAssistant) SendUserTurn(audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.userTurns = append(f.userTurns, audio)
	return nil
}

func (f *fakeAssistant) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeAssistant) SendToolResults(results []conversation.ToolResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolResults = append(f.toolResults, results)
	return nil
}

func (f *fakeAssistant) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.userTurns)
}

func (f *fakeAssistant) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.toolResults)
}

type fakeDispatcher struct {
	fn func(ctx context.Context, call conversation.ToolCall) conversation.ToolResult
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, call conversation.ToolCall) conversation.ToolResult {
	return f.fn(ctx, call)
}

type transcriptLine struct {
	role conversation.Role
	text string
}

type fakeEmitter struct {
	mu          sync.Mutex
	frames      []audio.Frame
	transcripts []transcriptLine
	completes   int
}

func (f *fakeEmitter) EmitAudio(frame audio.Frame) {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
}

func (f *fakeEmitter) EmitTranscript(role conversation.Role, text string) {
	f.mu.Lock()
	f.transcripts = append(f.transcripts, transcriptLine{role, text})
	f.mu.Unlock()
}

func (f *fakeEmitter) EmitTurnComplete() {
	f.mu.Lock()
	f.completes++
	f.mu.Unlock()
}

func (f *fakeEmitter) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeEmitter) completeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completes
}

func (f *fakeEmitter) lines() []transcriptLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transcriptLine, len(f.transcripts))
	copy(out, f.transcripts)
	return out
}

type harness struct {
	p     *Pipeline
	asst  *fakeAssistant
	emit  *fakeEmitter
	store *conversation.Store
}

func newHarness(t *testing.T, disp Dispatcher) *harness {
	t.Helper()
	h := &harness{
		asst:  &fakeAssistant{},
		emit:  &fakeEmitter{},
		store: conversation.NewStore("system prompt"),
	}
	if disp == nil {
		disp = &fakeDispatcher{fn: func(ctx context.Context, call conversation.ToolCall) conversation.ToolResult {
			return conversation.ToolResult{CallID: call.ID, Name: call.Name, OK: true, Payload: map[string]any{"response": "ok"}}
		}}
	}
	h.p = New(h.store, h.asst, disp, h.emit, Config{OutSampleRate: 24000, Channels: 1}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go h.p.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.p.Done()
	})
	return h
}

func (h *harness) awaitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.p.State() == want },
		time.Second, time.Millisecond, "expected state %s, last seen %s", want, h.p.State())
}

// beginUserTurn drives the pipeline into AssistantTurn via a user turn.
func (h *harness) beginUserTurn(t *testing.T, turnAudio []byte) {
	t.Helper()
	h.p.HandleTurnEvent(vad.Event{Kind: vad.SpeechStarted}, nil)
	h.awaitState(t, UserTurn)
	h.p.HandleTurnEvent(vad.Event{Kind: vad.SpeechEnded}, turnAudio)
	h.awaitState(t, AssistantTurn)
}

func TestPipelineUserTurnRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	h.beginUserTurn(t, []byte("pcm"))
	require.Eventually(t, func() bool { return h.asst.turnCount() == 1 }, time.Second, time.Millisecond)

	h.p.OnUserTranscript("show me my orders", true)
	h.p.OnAssistantAudio([]byte("chunk0"))
	h.p.OnAssistantAudio([]byte("chunk1"))
	h.p.OnAssistantTranscript("You have two orders.", true)
	h.p.OnTurnComplete()

	h.awaitState(t, Idle)

	require.Equal(t, 2, h.emit.frameCount())
	assert.Equal(t, uint64(0), h.emit.frames[0].Seq)
	assert.Equal(t, uint64(1), h.emit.frames[1].Seq)
	assert.Equal(t, audio.Outbound, h.emit.frames[0].Direction)
	assert.Equal(t, 24000, h.emit.frames[0].SampleRate)

	lines := h.emit.lines()
	require.Len(t, lines, 2)
	assert.Equal(t, conversation.RoleUser, lines[0].role)
	assert.Equal(t, "show me my orders", lines[0].text)
	assert.Equal(t, conversation.RoleAssistant, lines[1].role)
	assert.Equal(t, "You have two orders.", lines[1].text)

	assert.Equal(t, 1, h.emit.completeCount())

	// The store mirrors the emitted transcripts, user before assistant.
	msgs := h.store.Snapshot()
	require.Len(t, msgs, 3)
	assert.Equal(t, conversation.RoleSystem, msgs[0].Role)
	assert.Equal(t, conversation.RoleUser, msgs[1].Role)
	assert.Equal(t, conversation.RoleAssistant, msgs[2].Role)
}

func TestPipelineInterruptHaltsOutput(t *testing.T) {
	h := newHarness(t, nil)

	h.beginUserTurn(t, []byte("pcm"))
	h.p.OnAssistantAudio([]byte("chunk0"))
	require.Eventually(t, func() bool { return h.emit.frameCount() == 1 }, time.Second, time.Millisecond)

	h.p.Interrupt()
	h.awaitState(t, Idle)

	// Late audio from the cancelled turn never reaches the client.
	h.p.OnAssistantAudio([]byte("stale"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.emit.frameCount())

	// A fresh user turn can start immediately.
	h.p.HandleTurnEvent(vad.Event{Kind: vad.SpeechStarted}, nil)
	h.awaitState(t, UserTurn)
}

func TestPipelineInterruptKeepsPartialTranscript(t *testing.T) {
	h := newHarness(t, nil)

	h.beginUserTurn(t, []byte("pcm"))
	h.p.OnUserTranscript("what is", true)
	h.p.OnAssistantTranscript("The answer", false)
	h.p.Interrupt()
	h.awaitState(t, Idle)

	lines := h.emit.lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "what is", lines[0].text)
	assert.Equal(t, "The answer", lines[1].text, "partial assistant output stays in the record")
}

func TestPipelineToolCallFlow(t *testing.T) {
	h := newHarness(t, nil)

	h.beginUserTurn(t, []byte("pcm"))
	h.p.OnUserTranscript("how many customers", true)

	h.p.OnToolCalls([]conversation.ToolCall{{
		ID:   "call-1",
		Name: "generate_sql_query",
		Args: map[string]any{"text": "how many customers"},
	}})

	// Dispatcher resolves off-loop, then the result goes back to the model.
	require.Eventually(t, func() bool { return h.asst.resultCount() == 1 }, time.Second, time.Millisecond)
	h.awaitState(t, AssistantTurn)

	results := h.asst.toolResults[0]
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, "call-1", results[0].CallID)
	assert.Equal(t, map[string]any{"response": "ok"}, results[0].Payload)

	h.p.OnTurnComplete()
	h.awaitState(t, Idle)

	// Log order: system, user, assistant call, resolved tool message.
	msgs := h.store.Snapshot()
	require.Len(t, msgs, 4)
	assert.Equal(t, conversation.RoleUser, msgs[1].Role)
	require.NotNil(t, msgs[2].Call)
	assert.Equal(t, "call-1", msgs[2].Call.ID)
	require.NotNil(t, msgs[3].Result)
	assert.NotNil(t, msgs[3].Result.Payload, "placeholder must be superseded by the result")
}

func TestPipelineStaleToolResultDropped(t *testing.T) {
	release := make(chan struct{})
	disp := &fakeDispatcher{fn: func(ctx context.Context, call conversation.ToolCall) conversation.ToolResult {
		<-release
		return conversation.ToolResult{CallID: call.ID, Name: call.Name, OK: true, Payload: map[string]any{"response": "late"}}
	}}
	h := newHarness(t, disp)

	h.beginUserTurn(t, []byte("pcm"))
	h.p.OnToolCalls([]conversation.ToolCall{{ID: "call-1", Name: "generate_sql_query"}})
	h.awaitState(t, ToolPending)

	// The user barges in while the tool is still running.
	h.p.Interrupt()
	h.awaitState(t, Idle)
	close(release)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.asst.resultCount(), "result of a cancelled turn is dropped")
}

func TestPipelineGreetingTrigger(t *testing.T) {
	h := newHarness(t, nil)

	h.p.TriggerAssistant("Greet the user.")
	h.awaitState(t, AssistantTurn)

	h.asst.mu.Lock()
	texts := append([]string(nil), h.asst.texts...)
	h.asst.mu.Unlock()
	require.Equal(t, []string{"Greet the user."}, texts)

	h.p.OnTurnComplete()
	h.awaitState(t, Idle)
}

func TestPipelineIgnoresAudioWhenIdle(t *testing.T) {
	h := newHarness(t, nil)

	h.p.OnAssistantAudio([]byte("orphan"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.emit.frameCount())
}

func TestPipelineSpeechEndedOutsideUserTurnIgnored(t *testing.T) {
	h := newHarness(t, nil)

	h.p.HandleTurnEvent(vad.Event{Kind: vad.SpeechEnded}, []byte("pcm"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.asst.turnCount())
	assert.Equal(t, Idle, h.p.State())
}

func TestPipelineTurnStaysOpenWhileToolPending(t *testing.T) {
	release := make(chan struct{})
	disp := &fakeDispatcher{fn: func(ctx context.Context, call conversation.ToolCall) conversation.ToolResult {
		<-release
		return conversation.ToolResult{CallID: call.ID, Name: call.Name, OK: true, Payload: map[string]any{"response": "42"}}
	}}
	h := newHarness(t, disp)

	h.beginUserTurn(t, []byte("pcm"))
	h.p.OnToolCalls([]conversation.ToolCall{{
		ID:   "call-1",
		Name: "generate_sql_query",
		Args: map[string]any{"text": "how many customers"},
	}})
	h.awaitState(t, ToolPending)

	// The model announces turn complete as soon as it issues the call,
	// before any result exists. That must not close the turn: the tool
	// context stays live and results still reach the model.
	h.p.OnTurnComplete()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ToolPending, h.p.State())
	assert.Equal(t, 0, h.emit.completeCount())

	close(release)
	require.Eventually(t, func() bool { return h.asst.resultCount() == 1 }, time.Second, time.Millisecond)
	h.awaitState(t, AssistantTurn)

	h.p.OnTurnComplete()
	h.awaitState(t, Idle)
	assert.Equal(t, 1, h.emit.completeCount())

	msgs := h.store.Snapshot()
	last := msgs[len(msgs)-1]
	require.NotNil(t, last.Result, "tool message must carry its result")
	assert.NotNil(t, last.Result.Payload, "placeholder must be superseded before the turn closes")
}

func TestPipelineInterruptHookFiresOnlyOnBargeIn(t *testing.T) {
	h := newHarness(t, nil)
	var hits atomic.Int32
	h.p.OnInterrupt = func() { hits.Add(1) }

	h.beginUserTurn(t, []byte("pcm"))
	h.p.OnTurnComplete()
	h.awaitState(t, Idle)
	assert.Equal(t, int32(0), hits.Load())

	h.beginUserTurn(t, []byte("pcm"))
	h.p.Interrupt()
	h.awaitState(t, Idle)
	assert.Equal(t, int32(1), hits.Load())
}
