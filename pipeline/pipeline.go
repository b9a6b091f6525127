// Package pipeline is the per-session state machine that turns segmented
// user speech into assistant turns. It runs as one logical worker fed by
// an event queue: inbound turn events from the VAD gate, streamed output
// from the assistant collaborator, and resolved tool calls all settle
// here sequentially, which is what makes the ordering and interruption
// guarantees hold.
package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"teller-audio/audio"
	"teller-audio/conversation"
	"teller-audio/vad"
)

// State is the pipeline's current stage.
type State int

const (
	Idle State = iota
	UserTurn
	AssistantTurn
	ToolPending
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case UserTurn:
		return "user_turn"
	case AssistantTurn:
		return "assistant_turn"
	case ToolPending:
		return "tool_pending"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// Assistant is the slice of the collaborator the pipeline drives.
type Assistant interface {
	SendUserTurn(audio []byte) error
	SendText(text string) error
	SendToolResults(results []conversation.ToolResult) error
}

// Dispatcher resolves tool calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, call conversation.ToolCall) conversation.ToolResult
}

// Emitter receives the pipeline's outbound products, in order.
type Emitter interface {
	EmitAudio(frame audio.Frame)
	EmitTranscript(role conversation.Role, text string)
	EmitTurnComplete()
}

type eventKind int

const (
	evSpeechStarted eventKind = iota
	evSpeechEnded
	evInterrupted
	evAssistantStart
	evAssistantAudio
	evAssistantText
	evUserTranscript
	evAssistantTranscript
	evToolCalls
	evToolResolved
	evTurnComplete
	evClose
)

type event struct {
	kind    eventKind
	audio   []byte
	text    string
	final   bool
	calls   []conversation.ToolCall
	results []conversation.ToolResult
	turn    uint64 // which assistant turn produced this (tool results)
}

// Config carries audio parameters for outbound frames.
type Config struct {
	OutSampleRate int
	Channels      int
}

// Pipeline owns one session's turn sequencing.
type Pipeline struct {
	store *conversation.Store
	asst  Assistant
	disp  Dispatcher
	emit  Emitter
	cfg   Config
	log   zerolog.Logger

	// OnAssistantSpeaking, when set, is told whether outbound audio is
	// flowing; the VAD gate uses it for barge-in detection.
	OnAssistantSpeaking func(bool)

	// OnInterrupt, when set, fires once per cancelled turn, before the
	// pipeline returns to Idle. The session uses it to invalidate
	// outbound audio already sitting in its write queue.
	OnInterrupt func()

	events chan event
	done   chan struct{}

	outSeq audio.Sequencer

	mu    sync.RWMutex
	state State

	// Loop-owned state, touched only by run().
	turn         uint64 // increments when a turn ends for any reason
	turnCtx      context.Context
	turnCancel   context.CancelFunc
	pendingTools int
	userText     strings.Builder
	asstText     strings.Builder
	speaking     bool
}

// New builds a pipeline; Run must be called to start it.
func New(store *conversation.Store, asst Assistant, disp Dispatcher, emit Emitter, cfg Config, log zerolog.Logger) *Pipeline {
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &Pipeline{
		store:  store,
		asst:   asst,
		disp:   disp,
		emit:   emit,
		cfg:    cfg,
		log:    log.With().Str("component", "pipeline").Logger(),
		events: make(chan event, 512),
		done:   make(chan struct{}),
	}
}

// State returns the current stage.
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	old := p.state
	p.state = s
	p.mu.Unlock()
	if old != s {
		p.log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("state transition")
	}
}

// Done is closed when the loop has terminated.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) push(ev event) {
	select {
	case <-p.done:
	case p.events <- ev:
	}
}

// HandleTurnEvent feeds a VAD gate event. turnAudio carries the buffered
// utterance for SpeechEnded and is ignored otherwise.
func (p *Pipeline) HandleTurnEvent(ev vad.Event, turnAudio []byte) {
	switch ev.Kind {
	case vad.SpeechStarted:
		p.push(event{kind: evSpeechStarted})
	case vad.SpeechEnded:
		p.push(event{kind: evSpeechEnded, audio: turnAudio})
	case vad.Interrupted:
		p.push(event{kind: evInterrupted})
	}
}

// Interrupt requests a barge-in cancellation of the in-flight turn.
func (p *Pipeline) Interrupt() { p.push(event{kind: evInterrupted}) }

// TriggerAssistant opens an assistant turn without user speech (the
// on-connect greeting nudge).
func (p *Pipeline) TriggerAssistant(text string) {
	p.push(event{kind: evAssistantStart, text: text})
}

// The assistant collaborator's stream feeds the queue through these.

func (p *Pipeline) OnAssistantAudio(data []byte) { p.push(event{kind: evAssistantAudio, audio: data}) }
func (p *Pipeline) OnAssistantText(text string)  { p.push(event{kind: evAssistantText, text: text}) }
func (p *Pipeline) OnToolCalls(calls []conversation.ToolCall) {
	p.push(event{kind: evToolCalls, calls: calls})
}
func (p *Pipeline) OnUserTranscript(text string, final bool) {
	p.push(event{kind: evUserTranscript, text: text, final: final})
}
func (p *Pipeline) OnAssistantTranscript(text string, final bool) {
	p.push(event{kind: evAssistantTranscript, text: text, final: final})
}
func (p *Pipeline) OnTurnComplete() { p.push(event{kind: evTurnComplete}) }

// Close asks the loop to cancel pending work and terminate.
func (p *Pipeline) Close() { p.push(event{kind: evClose}) }

// Run processes events until Close or context end. It must be the only
// goroutine consuming the queue.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)
	defer p.setState(Closing)

	for {
		select {
		case <-ctx.Done():
			p.endTurn()
			return
		case ev := <-p.events:
			if ev.kind == evClose {
				p.endTurn()
				return
			}
			p.handle(ctx, ev)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evSpeechStarted:
		if p.State() != Idle {
			return
		}
		p.userText.Reset()
		p.setState(UserTurn)

	case evSpeechEnded:
		if p.State() != UserTurn {
			return
		}
		p.beginAssistantTurn(ctx)
		if err := p.asst.SendUserTurn(ev.audio); err != nil {
			p.log.Error().Err(err).Msg("assistant invocation failed, turn aborted")
			p.endTurn()
		}

	case evAssistantStart:
		if p.State() != Idle {
			return
		}
		p.beginAssistantTurn(ctx)
		if err := p.asst.SendText(ev.text); err != nil {
			p.log.Error().Err(err).Msg("assistant trigger failed")
			p.endTurn()
		}

	case evInterrupted:
		p.interrupt()

	case evAssistantAudio:
		s := p.State()
		if s != AssistantTurn && s != ToolPending {
			// Stale output from a cancelled turn; never emitted.
			return
		}
		if !p.speaking {
			p.speaking = true
			if p.OnAssistantSpeaking != nil {
				p.OnAssistantSpeaking(true)
			}
		}
		frame := audio.NewFrame(&p.outSeq, audio.Outbound, p.cfg.OutSampleRate, p.cfg.Channels, ev.audio)
		p.emit.EmitAudio(frame)

	case evAssistantText:
		if s := p.State(); s != AssistantTurn && s != ToolPending {
			return
		}
		p.asstText.WriteString(ev.text)

	case evUserTranscript:
		if s := p.State(); s != UserTurn && s != AssistantTurn && s != ToolPending {
			return
		}
		p.userText.WriteString(ev.text)
		if ev.final {
			p.commitUser()
		}

	case evAssistantTranscript:
		if s := p.State(); s != AssistantTurn && s != ToolPending {
			return
		}
		p.asstText.WriteString(ev.text)

	case evToolCalls:
		if p.State() != AssistantTurn {
			return
		}
		// A tool message must follow its originating call, and the user
		// turn that provoked it must already be committed.
		p.commitUser()
		p.setState(ToolPending)
		p.pendingTools = len(ev.calls)
		for _, call := range ev.calls {
			p.store.AppendToolCall(call)
		}
		go p.dispatchTools(p.turnCtx, p.turn, ev.calls)

	case evToolResolved:
		if p.State() != ToolPending || ev.turn != p.turn {
			// Result of a cancelled turn; side effects already applied
			// are not rolled back, the payload is simply dropped.
			return
		}
		for _, res := range ev.results {
			if err := p.store.ResolveTool(res); err != nil {
				p.log.Warn().Err(err).Str("call_id", res.CallID).Msg("orphaned tool result")
			}
		}
		p.pendingTools -= len(ev.results)
		if p.pendingTools > 0 {
			return
		}
		p.setState(AssistantTurn)
		if err := p.asst.SendToolResults(ev.results); err != nil {
			p.log.Error().Err(err).Msg("failed to return tool results, turn aborted")
			p.endTurn()
		}

	case evTurnComplete:
		if p.State() != AssistantTurn {
			// The model also reports turn complete right after issuing
			// tool calls; while results are outstanding the turn stays
			// open, and the model sends a fresh turn complete once it
			// has spoken the tool's answer.
			return
		}
		p.commitUser()
		p.commitAssistant()
		p.emit.EmitTurnComplete()
		p.endTurn()
	}
}

func (p *Pipeline) beginAssistantTurn(ctx context.Context) {
	p.turnCtx, p.turnCancel = context.WithCancel(ctx)
	p.setState(AssistantTurn)
}

// dispatchTools resolves calls sequentially off the loop goroutine so
// slow model/storage calls never block event processing.
func (p *Pipeline) dispatchTools(ctx context.Context, turn uint64, calls []conversation.ToolCall) {
	results := make([]conversation.ToolResult, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			return
		}
		results = append(results, p.disp.Dispatch(ctx, call))
	}
	p.push(event{kind: evToolResolved, results: results, turn: turn})
}

// commitUser appends the accumulated user transcript, if any, and only
// then announces it.
func (p *Pipeline) commitUser() {
	text := strings.TrimSpace(p.userText.String())
	p.userText.Reset()
	if text == "" {
		return
	}
	p.store.AppendUser(text)
	p.emit.EmitTranscript(conversation.RoleUser, text)
}

func (p *Pipeline) commitAssistant() {
	text := strings.TrimSpace(p.asstText.String())
	p.asstText.Reset()
	if text == "" {
		return
	}
	p.store.AppendAssistant(text)
	p.emit.EmitTranscript(conversation.RoleAssistant, text)
}

// interrupt halts outbound emission and cancels in-flight work, then
// returns to Idle so a fresh user turn can start immediately.
func (p *Pipeline) interrupt() {
	s := p.State()
	if s == Idle || s == Closing {
		return
	}
	p.log.Info().Str("state", s.String()).Msg("turn interrupted")
	if p.OnInterrupt != nil {
		p.OnInterrupt()
	}
	// Whatever the assistant already said stays in the record.
	p.commitUser()
	p.commitAssistant()
	p.endTurn()
}

// endTurn tears down the in-flight turn and parks the pipeline in Idle.
func (p *Pipeline) endTurn() {
	p.turn++
	if p.turnCancel != nil {
		p.turnCancel()
		p.turnCancel = nil
	}
	p.pendingTools = 0
	p.userText.Reset()
	p.asstText.Reset()
	if p.speaking {
		p.speaking = false
		if p.OnAssistantSpeaking != nil {
			p.OnAssistantSpeaking(false)
		}
	}
	if p.State() != Closing {
		p.setState(Idle)
	}
}
