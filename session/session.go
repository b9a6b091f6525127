package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"teller-audio/assistant"
	"teller-audio/audio"
	"teller-audio/config"
	"teller-audio/conversation"
	"teller-audio/messages"
	"teller-audio/pipeline"
	"teller-audio/tools"
	"teller-audio/vad"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second

	// preRollChunks of audio preceding SpeechStarted are kept so the
	// activation span is not clipped off the front of the turn.
	preRollChunks = 8
)

// TranscriptSink receives every committed transcript line of a session.
type TranscriptSink func(sessionID, role, text string)

// ClientSession represents a single user's connection: one websocket,
// one live model session, one pipeline.
type ClientSession struct {
	ID       string
	IsPlivo  bool   // telephony stream session
	StreamID string // Plivo stream id (set on "start" event)

	ClientConn *websocket.Conn
	Assistant  assistant.Service
	Pipeline   *pipeline.Pipeline
	Gate       *vad.Gate
	Store      *conversation.Store
	TurnBuffer *TurnBuffer

	CreatedAt    time.Time
	LastActivity time.Time

	cfg         *config.Config
	log         zerolog.Logger
	transcripts TranscriptSink

	// Use channels for non-blocking writes
	writeChan chan any

	inSeq audio.Sequencer

	// audioEpoch increments on every barge-in; queued outbound audio
	// stamped with an older epoch is dropped instead of played.
	audioEpoch atomic.Uint64

	// inTurn is owned by the reader goroutine: it flips inside the gate's
	// emit callback, so inbound chunks route to the turn buffer without
	// racing the pipeline's own state transitions.
	inTurn bool

	preMu   sync.Mutex
	preRoll [][]byte

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClientSession creates a session with a live model connection, a VAD
// gate and a pipeline wired together.
func NewClientSession(ctx context.Context, id string, clientConn *websocket.Conn, cfg *config.Config, disp pipeline.Dispatcher, transcripts TranscriptSink, log zerolog.Logger) (*ClientSession, error) {
	live, err := assistant.NewLive(ctx, cfg.GeminiAPIKey, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create assistant service: %w", err)
	}

	store := conversation.NewStore(DefaultSystemPrompt)
	store.RegisterTools(tools.SQLToolSchema())

	if err := live.Setup(ctx, DefaultSystemPrompt, store.Tools(), cfg.VoiceName, cfg.InSampleRate); err != nil {
		live.Close()
		return nil, fmt.Errorf("failed to setup assistant session: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())

	// Configure WebSocket for better performance
	clientConn.SetReadLimit(512 * 1024) // 512KB max message
	clientConn.EnableWriteCompression(true)
	clientConn.SetCompressionLevel(6)

	cs := &ClientSession{
		ID:           id,
		ClientConn:   clientConn,
		Assistant:    live,
		Store:        store,
		TurnBuffer:   NewTurnBuffer(cfg.MaxBufferSize),
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		cfg:          cfg,
		log:          log.With().Str("session", shortID(id)).Logger(),
		transcripts:  transcripts,
		writeChan:    make(chan any, writeBufferSize),
		CloseChan:    make(chan struct{}),
		ctx:          sctx,
		cancel:       cancel,
	}

	cs.Gate = vad.NewGate(vad.Params{
		Silence:            cfg.VADSilence,
		Activation:         cfg.VADActivationSpan,
		Threshold:          cfg.VADThreshold,
		AllowInterruptions: cfg.AllowInterruptions,
	}, nil, cs.onTurnEvent, cs.log)

	cs.Pipeline = pipeline.New(store, live, disp, cs, pipeline.Config{
		OutSampleRate: cfg.OutSampleRate,
		Channels:      1,
	}, cs.log)
	cs.Pipeline.OnAssistantSpeaking = cs.Gate.SetAssistantSpeaking
	cs.Pipeline.OnInterrupt = cs.dropQueuedAudio

	return cs, nil
}

// NewPlivoClientSession creates a session for telephony stream calls
func NewPlivoClientSession(ctx context.Context, id string, clientConn *websocket.Conn, cfg *config.Config, disp pipeline.Dispatcher, transcripts TranscriptSink, log zerolog.Logger) (*ClientSession, error) {
	cs, err := NewClientSession(ctx, id, clientConn, cfg, disp, transcripts, log)
	if err != nil {
		return nil, err
	}
	cs.IsPlivo = true

	// Telephony bridges don't support WebSocket compression
	clientConn.EnableWriteCompression(false)

	return cs, nil
}

// Start begins the bidirectional message handling for standard WebSocket clients
func (cs *ClientSession) Start() {
	go cs.writePump()
	cs.Assistant.Start(cs.ctx, cs.assistantEvents())
	go cs.Pipeline.Run(cs.ctx)
	cs.queueMessage(messages.NewStatusMessage(cs.ID, "connected", "Session established"))
	cs.Pipeline.TriggerAssistant(GreetingNudge)
	go cs.handleClientMessages()
}

// StartPlivo begins the bidirectional message handling for telephony calls
func (cs *ClientSession) StartPlivo() {
	go cs.writePump()
	cs.Assistant.Start(cs.ctx, cs.assistantEvents())
	go cs.Pipeline.Run(cs.ctx)
	cs.Pipeline.TriggerAssistant(GreetingNudge)
	go cs.handleClientMessagesFromPlivo()
}

// assistantEvents funnels the model's stream into the pipeline queue.
func (cs *ClientSession) assistantEvents() assistant.Events {
	return assistant.Events{
		OnAudio:               cs.Pipeline.OnAssistantAudio,
		OnText:                cs.Pipeline.OnAssistantText,
		OnToolCall:            cs.Pipeline.OnToolCalls,
		OnUserTranscript:      cs.Pipeline.OnUserTranscript,
		OnAssistantTranscript: cs.Pipeline.OnAssistantTranscript,
		OnInterrupted:         cs.Pipeline.Interrupt,
		OnTurnComplete:        cs.Pipeline.OnTurnComplete,
		OnError:               cs.onAssistantError,
	}
}

// onAssistantError aborts the in-flight turn; the session survives
// unless the model connection itself is gone.
func (cs *ClientSession) onAssistantError(err error) {
	cs.log.Error().Err(err).Msg("assistant error")
	if !cs.IsPlivo {
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeAssistantError, err.Error()))
	}
	cs.Pipeline.Interrupt()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) ||
		websocket.IsUnexpectedCloseError(err) {
		cs.log.Warn().Msg("closing session after assistant connection error")
		cs.Close()
	}
}

// outboundAudio stamps a queued audio message with the barge-in epoch
// it was produced under, so writePump can tell fresh audio from frames
// belonging to an already-cancelled turn.
type outboundAudio struct {
	epoch uint64
	msg   any
}

// EmitAudio implements pipeline.Emitter: outbound frames go to the
// client in pipeline order.
func (cs *ClientSession) EmitAudio(frame audio.Frame) {
	epoch := cs.audioEpoch.Load()
	if cs.IsPlivo {
		cs.mu.RLock()
		streamID := cs.StreamID
		cs.mu.RUnlock()
		if streamID == "" {
			cs.log.Warn().Msg("outbound audio before stream start, dropped")
			return
		}
		muLaw := audio.PCMDownsampleToMuLaw(frame.Data)
		cs.queueMessage(outboundAudio{epoch: epoch, msg: messages.NewPlivoMediaMessage(streamID, base64.StdEncoding.EncodeToString(muLaw))})
		return
	}
	cs.queueMessage(outboundAudio{epoch: epoch, msg: messages.NewAudioMessage(cs.ID, base64.StdEncoding.EncodeToString(frame.Data), frame.SampleRate, frame.Seq)})
}

// dropQueuedAudio runs on the pipeline loop when a turn is interrupted.
// Frames from the cancelled turn already sitting in writeChan carry the
// old epoch and are discarded by writePump, so playback stops without
// waiting for seconds of queued audio to drain.
func (cs *ClientSession) dropQueuedAudio() {
	cs.audioEpoch.Add(1)
}

// EmitTranscript implements pipeline.Emitter. It fires only after the
// message is already in the context store.
func (cs *ClientSession) EmitTranscript(role conversation.Role, text string) {
	cs.log.Info().Str("role", string(role)).Str("text", text).Msg("transcript")
	if !cs.IsPlivo {
		cs.queueMessage(messages.NewTranscriptMessage(cs.ID, string(role), text))
	}
	if cs.transcripts != nil {
		cs.transcripts(cs.ID, string(role), text)
	}
}

// EmitTurnComplete implements pipeline.Emitter.
func (cs *ClientSession) EmitTurnComplete() {
	if !cs.IsPlivo {
		cs.queueMessage(messages.NewStatusMessage(cs.ID, "turn_complete", ""))
	}
}

// onTurnEvent forwards gate events to the pipeline, attaching the
// buffered utterance when a turn closes.
func (cs *ClientSession) onTurnEvent(ev vad.Event) {
	switch ev.Kind {
	case vad.SpeechStarted:
		cs.inTurn = true
		cs.promotePreRoll()
		cs.Pipeline.HandleTurnEvent(ev, nil)
	case vad.SpeechEnded:
		cs.inTurn = false
		cs.Pipeline.HandleTurnEvent(ev, cs.TurnBuffer.Flush())
	case vad.Interrupted:
		cs.Pipeline.HandleTurnEvent(ev, nil)
	}
}

// handleInboundAudio settles one inbound chunk: buffer it, then let the
// gate decide whether a turn boundary was crossed. Called from exactly
// one reader goroutine, so frames stay strictly sequential.
func (cs *ClientSession) handleInboundAudio(data []byte) {
	frame := audio.NewFrame(&cs.inSeq, audio.Inbound, cs.cfg.InSampleRate, 1, data)

	if cs.inTurn {
		if err := cs.TurnBuffer.Append(data); err != nil {
			if !cs.IsPlivo {
				cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeBufferFull,
					fmt.Sprintf("Audio buffer full (max %d bytes)", cs.TurnBuffer.MaxSize())))
			}
		}
	} else {
		cs.pushPreRoll(data)
	}

	cs.Gate.Process(frame)
}

func (cs *ClientSession) pushPreRoll(chunk []byte) {
	cs.preMu.Lock()
	cs.preRoll = append(cs.preRoll, chunk)
	if len(cs.preRoll) > preRollChunks {
		cs.preRoll = cs.preRoll[len(cs.preRoll)-preRollChunks:]
	}
	cs.preMu.Unlock()
}

func (cs *ClientSession) promotePreRoll() {
	cs.preMu.Lock()
	chunks := cs.preRoll
	cs.preRoll = nil
	cs.preMu.Unlock()
	for _, chunk := range chunks {
		_ = cs.TurnBuffer.Append(chunk)
	}
}

// writePump handles all outgoing messages in a single goroutine
func (cs *ClientSession) writePump() {
	keepAlive := time.NewTicker(cs.cfg.KeepAlivePeriod)
	defer keepAlive.Stop()
	defer func() {
		// Send close message before exiting
		cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		cs.ClientConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-cs.CloseChan:
			return
		case <-keepAlive.C:
			cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cs.ClientConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-cs.writeChan:
			if !ok {
				// Channel closed, exit gracefully
				return
			}

			if err := cs.writeMessage(msg); err != nil {
				return
			}

			n := len(cs.writeChan)
			for i := 0; i < n; i++ {
				select {
				case msg, ok := <-cs.writeChan:
					if !ok {
						return
					}
					if err := cs.writeMessage(msg); err != nil {
						return
					}
				default:
					// No more messages, continue outer loop
				}
			}
		}
	}
}

func (cs *ClientSession) writeMessage(msg any) error {
	if oa, ok := msg.(outboundAudio); ok {
		if oa.epoch != cs.audioEpoch.Load() {
			// Audio from an interrupted turn, drop it.
			return nil
		}
		msg = oa.msg
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		cs.log.Error().Err(err).Msg("failed to encode outgoing message")
		return nil
	}
	cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cs.ClientConn.WriteMessage(websocket.TextMessage, data)
}

// queueMessage adds a message to the write queue (non-blocking). The
// lock is held across the send so Close cannot close writeChan between
// the closed check and the send.
func (cs *ClientSession) queueMessage(msg any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return
	}
	select {
	case cs.writeChan <- msg:
		cs.LastActivity = time.Now()
	default:
		// Queue full, drop message (shouldn't happen with proper sizing)
	}
}

// Close terminates the session and cleans up resources
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cs.mu.Unlock()

	cs.cancel()

	// Frames arriving after teardown are discarded at the gate
	cs.Gate.Close()
	cs.Pipeline.Close()

	// Close the write channel first to stop writePump
	close(cs.writeChan)

	// Signal close (for other goroutines waiting on this)
	close(cs.CloseChan)

	cs.TurnBuffer.Clear()

	if cs.Assistant != nil {
		cs.Assistant.Close()
	}

	// Close client connection - don't write close message as writePump is stopped
	if cs.ClientConn != nil {
		cs.ClientConn.Close()
	}

	return nil
}

// IsClosed returns whether the session is closed
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

func (cs *ClientSession) handleClientMessages() {
	defer cs.Close()

	for {
		select {
		case <-cs.CloseChan:
			return
		default:
			messageType, message, err := cs.ClientConn.ReadMessage()
			if err != nil {
				return
			}

			cs.mu.Lock()
			cs.LastActivity = time.Now()
			cs.mu.Unlock()

			// Binary messages are raw PCM audio
			if messageType == websocket.BinaryMessage {
				cs.handleInboundAudio(message)
				continue
			}

			// Text messages are JSON
			var clientMsg messages.ClientMessage
			if err := sonic.Unmarshal(message, &clientMsg); err != nil {
				cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid message format"))
				continue
			}

			cs.processClientMessage(&clientMsg)
		}
	}
}

func (cs *ClientSession) processClientMessage(msg *messages.ClientMessage) {
	switch msg.Type {
	case "audio":
		var payload messages.AudioPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid audio payload"))
			return
		}
		audioBytes, err := base64.StdEncoding.DecodeString(payload.Data)
		if err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid base64 audio data"))
			return
		}
		cs.handleInboundAudio(audioBytes)

	case "control":
		var payload messages.ControlPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid control payload"))
			return
		}
		cs.handleControlMessage(&payload)

	default:
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Unknown message type: "+msg.Type))
	}
}

func (cs *ClientSession) handleControlMessage(payload *messages.ControlPayload) {
	switch payload.Action {
	case "ping":
		cs.queueMessage(messages.NewStatusMessage(cs.ID, "pong", ""))
	case "end_turn":
		// Explicit client override of the VAD gate
		cs.handleEndTurn()
	default:
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Unknown control action: "+payload.Action))
	}
}

// handleEndTurn closes the user turn with whatever audio is buffered,
// regardless of the gate's silence tracking.
func (cs *ClientSession) handleEndTurn() {
	cs.inTurn = false
	cs.promotePreRoll()
	data := cs.TurnBuffer.Flush()
	if len(data) == 0 {
		cs.log.Warn().Msg("end_turn received but buffer is empty, ignoring")
		return
	}
	cs.Pipeline.HandleTurnEvent(vad.Event{Kind: vad.SpeechStarted}, nil)
	cs.Pipeline.HandleTurnEvent(vad.Event{Kind: vad.SpeechEnded}, data)
}

// handleClientMessagesFromPlivo processes the Plivo audio-stream
// protocol: start, media and stop events carrying base64 mu-law 8kHz.
func (cs *ClientSession) handleClientMessagesFromPlivo() {
	defer cs.Close()
	for {
		select {
		case <-cs.CloseChan:
			return
		default:
			_, message, err := cs.ClientConn.ReadMessage()
			if err != nil {
				if !cs.IsClosed() {
					cs.log.Error().Err(err).Msg("telephony websocket read error")
				}
				return
			}

			cs.mu.Lock()
			cs.LastActivity = time.Now()
			cs.mu.Unlock()

			var msg map[string]interface{}
			if err := sonic.Unmarshal(message, &msg); err != nil {
				cs.log.Warn().Err(err).Msg("failed to parse telephony message")
				continue
			}

			event, ok := msg["event"].(string)
			if !ok {
				cs.log.Warn().Msg("telephony message missing 'event' field")
				continue
			}

			switch event {
			case "start":
				startData, ok := msg["start"].(map[string]interface{})
				if !ok {
					cs.log.Warn().Msg("'start' event missing start data")
					continue
				}
				streamID, ok := startData["streamId"].(string)
				if !ok {
					cs.log.Warn().Msg("'start' event missing streamId")
					continue
				}
				cs.mu.Lock()
				cs.StreamID = streamID
				cs.mu.Unlock()
				cs.log.Info().Str("stream_id", streamID).Msg("telephony stream started")

			case "media":
				media, ok := msg["media"].(map[string]interface{})
				if !ok {
					continue
				}
				payloadStr, ok := media["payload"].(string)
				if !ok {
					continue
				}

				muLawData, err := base64.StdEncoding.DecodeString(payloadStr)
				if err != nil {
					cs.log.Warn().Err(err).Msg("failed to decode telephony audio")
					continue
				}

				// mu-law 8kHz -> PCM 16kHz for the gate and the model
				cs.handleInboundAudio(audio.MuLawToPCMUpsample(muLawData))

			case "stop":
				cs.log.Info().Msg("telephony stream stopped")
				return

			default:
				cs.log.Warn().Str("event", event).Msg("unknown telephony event")
			}
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
