package assistant

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"teller-audio/conversation"
)

const modelName = "models/gemini-2.5-flash-native-audio-preview-12-2025"

// Live drives a Gemini Live session over the official SDK.
type Live struct {
	client  *genai.Client
	session *genai.Session
	log     zerolog.Logger

	inSampleRate int

	mu     sync.RWMutex
	closed bool
}

var _ Service = (*Live)(nil)

// NewLive creates the client; Setup establishes the session.
func NewLive(ctx context.Context, apiKey string, log zerolog.Logger) (*Live, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Live{
		client: client,
		log:    log.With().Str("component", "assistant").Logger(),
	}, nil
}

// Setup connects the Live session with the system instruction, the
// registered tool schemas and input/output transcription enabled.
func (l *Live) Setup(ctx context.Context, systemPrompt string, schemas []conversation.ToolSchema, voice string, inSampleRate int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("assistant service is closed")
	}
	l.inSampleRate = inSampleRate

	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{"AUDIO"},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: systemPrompt},
			},
		},
		Tools: declareTools(schemas),
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: voice,
				},
			},
		},
		// Transcripts of both directions feed the conversation log.
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}

	session, err := l.client.Live.Connect(ctx, modelName, config)
	if err != nil {
		return fmt.Errorf("failed to connect to Live API: %w", err)
	}

	l.session = session
	l.log.Info().Str("model", modelName).Msg("connected to live model")
	return nil
}

// declareTools converts registered schemas to the SDK's declarations.
func declareTools(schemas []conversation.ToolSchema) []*genai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		props := make(map[string]*genai.Schema, len(s.Params))
		for _, p := range s.Params {
			props[p.Name] = &genai.Schema{
				Type:        genai.TypeString,
				Description: p.Description,
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   s.Required,
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// Start begins the receive loop. Callbacks fire in arrival order on one
// goroutine.
func (l *Live) Start(ctx context.Context, ev Events) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			l.mu.RLock()
			if l.closed || l.session == nil {
				l.mu.RUnlock()
				return
			}
			session := l.session
			l.mu.RUnlock()

			// Receive blocks until a message arrives or error occurs
			resp, err := session.Receive()
			if err != nil {
				l.mu.RLock()
				closed := l.closed
				l.mu.RUnlock()

				if !closed && ev.OnError != nil {
					ev.OnError(err)
				}
				return
			}

			l.handleResponse(resp, ev)
		}
	}()
}

func (l *Live) handleResponse(resp *genai.LiveServerMessage, ev Events) {
	if resp.ToolCall != nil && len(resp.ToolCall.FunctionCalls) > 0 {
		calls := make([]conversation.ToolCall, 0, len(resp.ToolCall.FunctionCalls))
		for _, fc := range resp.ToolCall.FunctionCalls {
			calls = append(calls, conversation.ToolCall{
				ID:   fc.ID,
				Name: fc.Name,
				Args: fc.Args,
			})
		}
		l.log.Debug().Int("count", len(calls)).Msg("tool calls from model")
		if ev.OnToolCall != nil {
			ev.OnToolCall(calls)
		}
	}

	sc := resp.ServerContent
	if sc == nil {
		return
	}

	if sc.Interrupted && ev.OnInterrupted != nil {
		ev.OnInterrupted()
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" && ev.OnUserTranscript != nil {
		ev.OnUserTranscript(sc.InputTranscription.Text, sc.InputTranscription.Finished)
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" && ev.OnAssistantTranscript != nil {
		ev.OnAssistantTranscript(sc.OutputTranscription.Text, sc.OutputTranscription.Finished)
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.Text != "" && ev.OnText != nil {
				ev.OnText(part.Text)
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 && ev.OnAudio != nil {
				ev.OnAudio(part.InlineData.Data)
			}
		}
	}

	if sc.TurnComplete && ev.OnTurnComplete != nil {
		ev.OnTurnComplete()
	}
}

// SendUserTurn submits a complete utterance and ends the audio stream so
// the model responds.
func (l *Live) SendUserTurn(audio []byte) error {
	if len(audio) == 0 {
		return nil
	}
	if err := l.sendRealtimeInput(audio); err != nil {
		return err
	}
	return l.sendAudioStreamEnd()
}

func (l *Live) sendRealtimeInput(data []byte) error {
	session, err := l.liveSession()
	if err != nil {
		return err
	}

	err = session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", l.inSampleRate),
			Data:     data,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

func (l *Live) sendAudioStreamEnd() error {
	session, err := l.liveSession()
	if err != nil {
		return err
	}

	// Signals that the utterance is over; the model processes the
	// accumulated audio and responds.
	err = session.SendRealtimeInput(genai.LiveRealtimeInput{
		AudioStreamEnd: true,
	})
	if err != nil {
		return fmt.Errorf("failed to send audio stream end: %w", err)
	}
	return nil
}

// SendText sends a text turn.
func (l *Live) SendText(text string) error {
	session, err := l.liveSession()
	if err != nil {
		return err
	}

	turnComplete := true
	err = session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{
			{
				Role:  "user",
				Parts: []*genai.Part{{Text: text}},
			},
		},
		TurnComplete: &turnComplete,
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}

// SendToolResults forwards resolved tool calls back to the model.
func (l *Live) SendToolResults(results []conversation.ToolResult) error {
	session, err := l.liveSession()
	if err != nil {
		return err
	}

	responses := make([]*genai.FunctionResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, &genai.FunctionResponse{
			ID:       r.CallID,
			Name:     r.Name,
			Response: r.Payload,
		})
	}

	err = session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: responses,
	})
	if err != nil {
		return fmt.Errorf("failed to send tool response: %w", err)
	}
	return nil
}

func (l *Live) liveSession() (*genai.Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed || l.session == nil {
		return nil, fmt.Errorf("assistant service is closed or not connected")
	}
	return l.session, nil
}

// Close terminates the live session.
func (l *Live) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.session != nil {
		return l.session.Close()
	}
	return nil
}
