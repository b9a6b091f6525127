package session

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when the buffer exceeds its maximum size
var ErrBufferFull = errors.New("audio buffer full")

// TurnBuffer accumulates the current user turn's audio until the VAD
// gate closes the turn and the pipeline flushes it.
type TurnBuffer struct {
	chunks    [][]byte
	totalSize int
	maxSize   int
	mu        sync.Mutex
}

// NewTurnBuffer creates a buffer with the specified maximum size in bytes
func NewTurnBuffer(maxSize int) *TurnBuffer {
	return &TurnBuffer{
		chunks:  make([][]byte, 0),
		maxSize: maxSize,
	}
}

// MaxSize returns the maximum buffer size
func (tb *TurnBuffer) MaxSize() int {
	return tb.maxSize
}

// Append adds an audio chunk to the buffer
// Returns ErrBufferFull if adding the chunk would exceed maxSize
func (tb *TurnBuffer) Append(chunk []byte) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	newSize := tb.totalSize + len(chunk)
	if newSize > tb.maxSize {
		return ErrBufferFull
	}

	tb.chunks = append(tb.chunks, chunk)
	tb.totalSize = newSize
	return nil
}

// Flush concatenates all chunks in order and clears the buffer
// Returns the complete turn audio
func (tb *TurnBuffer) Flush() []byte {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if len(tb.chunks) == 0 {
		return nil
	}

	result := make([]byte, 0, tb.totalSize)
	for _, chunk := range tb.chunks {
		result = append(result, chunk...)
	}

	tb.chunks = make([][]byte, 0)
	tb.totalSize = 0

	return result
}

// Clear empties the buffer without returning data
func (tb *TurnBuffer) Clear() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.chunks = make([][]byte, 0)
	tb.totalSize = 0
}

// Size returns the current total buffered bytes
func (tb *TurnBuffer) Size() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.totalSize
}

// IsEmpty returns true if no chunks are buffered
func (tb *TurnBuffer) IsEmpty() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.chunks) == 0
}

// ChunkCount returns the number of chunks in the buffer
func (tb *TurnBuffer) ChunkCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.chunks)
}
