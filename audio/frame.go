package audio

import "sync/atomic"

// Direction marks which way a frame travels through a session.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Frame is one ordered chunk of PCM audio. Frames are immutable once
// produced; Data must not be mutated after the frame is handed off.
type Frame struct {
	Seq        uint64
	Direction  Direction
	SampleRate int
	Channels   int
	Data       []byte
}

// Duration returns the play time of the frame in seconds, assuming
// 16-bit samples.
func (f Frame) Duration() float64 {
	if f.SampleRate == 0 || f.Channels == 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return float64(samples) / float64(f.SampleRate)
}

// Sequencer hands out strictly increasing sequence numbers for one
// direction of one session.
type Sequencer struct {
	next atomic.Uint64
}

// Next returns the next sequence number, starting at 0.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1) - 1
}

// NewFrame stamps data with the next sequence number for the given direction.
func NewFrame(seq *Sequencer, dir Direction, rate, channels int, data []byte) Frame {
	return Frame{
		Seq:        seq.Next(),
		Direction:  dir,
		SampleRate: rate,
		Channels:   channels,
		Data:       data,
	}
}
