// Package vad segments an inbound audio stream into user turns.
//
// The gate is a two-state machine (Listening, Speaking) fed one frame at
// a time. The numeric voice-activity scoring itself is a collaborator:
// any audio.Scorer can be injected, the default is plain RMS energy.
package vad

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"teller-audio/audio"
)

// EventKind tags a turn event.
type EventKind int

const (
	SpeechStarted EventKind = iota
	SpeechEnded
	Interrupted
)

func (k EventKind) String() string {
	switch k {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	case Interrupted:
		return "interrupted"
	}
	return "unknown"
}

// Event is emitted by the gate at turn boundaries. Duration is set only
// for SpeechEnded and covers the voiced span.
type Event struct {
	Kind     EventKind
	Duration time.Duration
}

type state int

const (
	listening state = iota
	speaking
)

// Params configures turn segmentation. Silence is a policy knob, not a
// constant: it decides how long a pause closes the user's turn.
type Params struct {
	Silence            time.Duration // silence that closes a turn
	Activation         time.Duration // sustained activity that opens a turn
	Threshold          float64       // score at or above which a frame is voiced
	AllowInterruptions bool
}

// DefaultParams mirrors the production defaults (0.5s stop, 100ms start).
func DefaultParams() Params {
	return Params{
		Silence:            500 * time.Millisecond,
		Activation:         100 * time.Millisecond,
		Threshold:          1000,
		AllowInterruptions: true,
	}
}

// Gate consumes inbound frames and emits turn events through a callback.
// Frames arriving after Close are discarded.
type Gate struct {
	params Params
	score  audio.Scorer
	emit   func(Event)
	log    zerolog.Logger

	mu                sync.Mutex
	state             state
	voiceRun          time.Duration // contiguous voiced time while listening
	silenceRun        time.Duration // contiguous silent time while speaking
	spoken            time.Duration // voiced span of the current turn
	assistantSpeaking bool
	closed            bool
}

// NewGate builds a gate. A nil scorer falls back to audio.RMSEnergy.
func NewGate(params Params, scorer audio.Scorer, emit func(Event), log zerolog.Logger) *Gate {
	if scorer == nil {
		scorer = audio.RMSEnergy
	}
	return &Gate{
		params: params,
		score:  scorer,
		emit:   emit,
		log:    log.With().Str("component", "vad").Logger(),
	}
}

// SetAssistantSpeaking tells the gate whether outbound assistant audio is
// currently playing. Voice detected while it is set triggers barge-in.
func (g *Gate) SetAssistantSpeaking(playing bool) {
	g.mu.Lock()
	g.assistantSpeaking = playing
	g.mu.Unlock()
}

// Close stops the gate; later frames are dropped, never queued.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Process settles one frame into the gate. Callers must feed frames in
// order, one at a time; the emit callback runs on the caller's goroutine
// after internal state has been updated.
func (g *Gate) Process(frame audio.Frame) {
	dur := time.Duration(frame.Duration() * float64(time.Second))
	voiced := g.score(frame.Data) >= g.params.Threshold

	var events []Event

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}

	switch g.state {
	case listening:
		if !voiced {
			g.voiceRun = 0
			break
		}
		g.voiceRun += dur
		if g.voiceRun < g.params.Activation {
			break
		}
		// Sustained voice: the user turn opens. If the assistant is
		// still talking this is a barge-in.
		if g.assistantSpeaking && g.params.AllowInterruptions {
			g.assistantSpeaking = false
			events = append(events, Event{Kind: Interrupted})
		}
		g.state = speaking
		g.spoken = g.voiceRun
		g.silenceRun = 0
		events = append(events, Event{Kind: SpeechStarted})

	case speaking:
		if voiced {
			g.spoken += dur
			g.silenceRun = 0
			break
		}
		g.silenceRun += dur
		if g.silenceRun < g.params.Silence {
			break
		}
		// Silence held long enough: the turn is over.
		g.state = listening
		g.voiceRun = 0
		events = append(events, Event{Kind: SpeechEnded, Duration: g.spoken})
		g.spoken = 0
	}
	g.mu.Unlock()

	for _, ev := range events {
		if ev.Kind != SpeechStarted {
			g.log.Debug().Str("event", ev.Kind.String()).Dur("duration", ev.Duration).Msg("turn event")
		}
		g.emit(ev)
	}
}
