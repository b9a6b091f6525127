package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teller-audio/assistant"
	"teller-audio/audio"
	"teller-audio/config"
	"teller-audio/conversation"
	"teller-audio/messages"
	"teller-audio/pipeline"
	"teller-audio/vad"
)

// newBareSession builds a session around just the write queue, without
// a websocket or model connection.
func newBareSession() *ClientSession {
	cs := &ClientSession{
		ID:        "test-session",
		writeChan: make(chan any, writeBufferSize),
		CloseChan: make(chan struct{}),
		log:       zerolog.Nop(),
	}
	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	return cs
}

func TestBargeInDropsQueuedAudio(t *testing.T) {
	cs := newBareSession()

	var seq audio.Sequencer
	for i := 0; i < 10; i++ {
		cs.EmitAudio(audio.NewFrame(&seq, audio.Outbound, 24000, 1, []byte("chunk")))
	}
	require.Len(t, cs.writeChan, 10)

	// What the pipeline's interrupt hook does on a barge-in.
	cs.dropQueuedAudio()

	// The queued frames carry the old epoch; writeMessage discards them
	// without touching the connection (there is none here, so an actual
	// write attempt would panic).
	for len(cs.writeChan) > 0 {
		require.NoError(t, cs.writeMessage(<-cs.writeChan))
	}

	// Audio produced after the barge-in carries the new epoch and stays
	// deliverable.
	cs.EmitAudio(audio.NewFrame(&seq, audio.Outbound, 24000, 1, []byte("fresh")))
	oa, ok := (<-cs.writeChan).(outboundAudio)
	require.True(t, ok)
	assert.Equal(t, cs.audioEpoch.Load(), oa.epoch)
	assert.IsType(t, &messages.ServerMessage{}, oa.msg)
}

func TestQueueMessageDuringCloseDoesNotPanic(t *testing.T) {
	cs := newBareSession()
	cs.Gate = vad.NewGate(vad.DefaultParams(), nil, func(vad.Event) {}, zerolog.Nop())
	cs.TurnBuffer = NewTurnBuffer(1024)
	store := conversation.NewStore("system")
	cs.Pipeline = pipeline.New(store, nil, nil, cs, pipeline.Config{OutSampleRate: 24000, Channels: 1}, zerolog.Nop())

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 500; j++ {
				cs.queueMessage(messages.NewStatusMessage(cs.ID, "pong", ""))
			}
		}()
	}

	close(start)
	require.NoError(t, cs.Close())
	wg.Wait()

	assert.True(t, cs.IsClosed())
	require.NoError(t, cs.Close(), "double close is a no-op")
	cs.queueMessage(messages.NewStatusMessage(cs.ID, "pong", ""))
}

// fakeAssistantService stands in for the live model behind the
// assistant.Service seam.
type fakeAssistantService struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeAssistantService) Start(ctx context.Context, ev assistant.Events) {}

func (f *fakeAssistantService) SendUserTurn(audio []byte) error { return nil }

func (f *fakeAssistantService) SendText(text string) error { return nil }

func (f *fakeAssistantService) SendToolResults(results []conversation.ToolResult) error {
	return nil
}

func (f *fakeAssistantService) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAssistantService) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestCloseShutsDownAssistantService(t *testing.T) {
	cs := newBareSession()
	cs.Gate = vad.NewGate(vad.DefaultParams(), nil, func(vad.Event) {}, zerolog.Nop())
	cs.TurnBuffer = NewTurnBuffer(1024)
	store := conversation.NewStore("system")
	cs.Pipeline = pipeline.New(store, nil, nil, cs, pipeline.Config{OutSampleRate: 24000, Channels: 1}, zerolog.Nop())

	fake := &fakeAssistantService{}
	cs.Assistant = fake

	require.NoError(t, cs.Close())
	assert.True(t, fake.isClosed())
}

func TestWritePumpSendsKeepAlivePings(t *testing.T) {
	pings := make(chan struct{}, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetPingHandler(func(string) error {
			select {
			case pings <- struct{}{}:
			default:
			}
			return nil
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	cs := newBareSession()
	cs.ClientConn = conn
	cs.cfg = &config.Config{KeepAlivePeriod: 20 * time.Millisecond}
	go cs.writePump()
	defer close(cs.CloseChan)

	select {
	case <-pings:
	case <-time.After(time.Second):
		t.Fatal("no keepalive ping before timeout")
	}
}
